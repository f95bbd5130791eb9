// Package ingest implements the ingestion processor (C4): it consumes
// pub/sub messages carrying event envelopes, expands their target
// users, and routes each target either to immediate delivery or to
// the event store for later flush.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/arxiv/notifyd/internal/aggregator"
	"github.com/arxiv/notifyd/internal/delivery"
	"github.com/arxiv/notifyd/internal/events"
	"github.com/arxiv/notifyd/internal/notify"
)

// Handler is called once per inbound message with its raw payload. It
// returns true to ack (accept, do not redeliver) and false to nack
// (redeliver later). Implementations must be safe for concurrent use.
type Handler func(ctx context.Context, payload []byte) (ack bool)

// Source is a transport-agnostic pub/sub subscription. Subscribe must
// block, invoking handler for each message, until ctx is cancelled.
type Source interface {
	Subscribe(ctx context.Context, handler Handler) error
}

// Store is the subset of the event store the processor depends on.
type Store interface {
	StoreEvent(ctx context.Context, e notify.Event) error
	ListSubscriptions(ctx context.Context, userID string, enabledOnly bool) ([]notify.Subscription, error)
}

// Processor runs the per-message algorithm described in the
// ingestion processor's contract against a bounded number of
// concurrent in-flight messages.
type Processor struct {
	store   Store
	email   *delivery.EmailProvider
	webhook *delivery.WebhookProvider
	bus     *events.Bus
	logger  *slog.Logger
	sem     chan struct{}
}

// New builds a Processor. maxInFlight caps the number of messages
// processed concurrently; values <= 0 are treated as 1.
func New(st Store, email *delivery.EmailProvider, webhook *delivery.WebhookProvider, bus *events.Bus, logger *slog.Logger, maxInFlight int) *Processor {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:   st,
		email:   email,
		webhook: webhook,
		bus:     bus,
		logger:  logger,
		sem:     make(chan struct{}, maxInFlight),
	}
}

// Handler returns the Handler to pass to a Source.Subscribe call. Each
// invocation acquires a slot from the bounded semaphore before doing
// any work, so at most maxInFlight messages are processed at once;
// callers invoking Handler from multiple goroutines achieve the
// "process up to 100 in flight" concurrency ceiling directly, since
// blocking on the semaphore naturally back-pressures the caller.
func (p *Processor) Handler() Handler {
	return func(ctx context.Context, payload []byte) (ack bool) {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return false
		}
		defer func() { <-p.sem }()

		// A panic here must not take down the ingestion loop (and with
		// it every other in-flight message); nack so the transport
		// redelivers once the cause is fixed.
		defer func() {
			if rec := recover(); rec != nil {
				p.logger.Error("ingest: recovered from panic processing message", "panic", rec)
				ack = false
			}
		}()

		return p.processOne(ctx, payload)
	}
}

// processOne implements the five-step algorithm: parse, expand
// targets, gateway bypass, per-user subscription routing, and the
// final ack/nack decision.
func (p *Processor) processOne(ctx context.Context, payload []byte) bool {
	env, err := parseEnvelope(payload)
	if err != nil {
		p.logger.Warn("ingest: dropping malformed message", "error", err)
		return true // permanent failure: ack so it is not redelivered forever.
	}

	targets, err := env.targets()
	if err != nil {
		p.logger.Warn("ingest: dropping message with invalid target fields", "event_id", env.EventID, "error", err)
		return true
	}

	if env.isGateway() {
		return p.deliverGateway(ctx, env)
	}

	for _, userID := range targets {
		if err := p.routeToUser(ctx, env, userID); err != nil {
			p.logger.Error("ingest: unhandled error routing event to user",
				"event_id", env.EventID, "user_id", userID, "error", err)
			return false // nack: pub/sub will redeliver; store_event is idempotent.
		}
	}
	return true
}

func (p *Processor) deliverGateway(ctx context.Context, env envelope) bool {
	if p.email == nil {
		p.logger.Error("ingest: gateway message received but no email provider is configured", "event_id", env.EventID)
		return false
	}
	sub := notify.Subscription{
		SubscriptionID: "gateway",
		UserID:         "gateway",
		DeliveryMethod: notify.DeliveryEmail,
		EmailAddress:   *env.EmailTo,
	}
	rendered := aggregator.Rendered{Subject: env.Subject, Body: env.Message, ContentType: "text/plain; charset=utf-8"}
	result := p.email.Send(ctx, sub, rendered, env.Sender)
	if result.Outcome == delivery.Delivered {
		p.publish(events.KindDeliveryResult, "event_id", env.EventID, "outcome", result.Outcome.String(), "gateway", true)
		return true
	}
	p.logger.Warn("ingest: gateway email delivery failed", "event_id", env.EventID, "outcome", result.Outcome.String(), "error", result.Err)
	return result.Outcome != delivery.TransientFailure
}

// routeToUser loads u's enabled subscriptions and applies step 3/4 of
// the algorithm. A returned error means the caller should nack the
// whole message; all other outcomes (persisted, delivered, dropped)
// are represented by a nil error so the message can still be acked.
func (p *Processor) routeToUser(ctx context.Context, env envelope, userID string) error {
	subs, err := p.store.ListSubscriptions(ctx, userID, true)
	if err != nil {
		return err
	}

	if len(subs) == 0 {
		return p.store.StoreEvent(ctx, env.event(userID))
	}

	for _, sub := range subs {
		if err := p.applySubscription(ctx, env, sub); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) applySubscription(ctx context.Context, env envelope, sub notify.Subscription) error {
	e := env.event(sub.UserID)

	if sub.AggregationFrequency != notify.FrequencyImmediate {
		return p.store.StoreEvent(ctx, e)
	}

	rendered, err := aggregator.Render(sub.UserID, []notify.Event{e}, sub.AggregationMethod, sub.AggregatedMessageSubject)
	if err != nil {
		p.logger.Error("ingest: render failed for immediate subscription", "event_id", e.EventID, "subscription_id", sub.SubscriptionID, "error", err)
		return nil
	}

	provider, ok := delivery.ForMethod(sub.DeliveryMethod, p.email, p.webhook)
	if !ok {
		p.logger.Error("ingest: no provider configured for delivery method", "delivery_method", sub.DeliveryMethod, "subscription_id", sub.SubscriptionID)
		return nil
	}

	result := provider.Send(ctx, sub, rendered, e.Sender)
	p.publish(events.KindDeliveryResult, "event_id", e.EventID, "subscription_id", sub.SubscriptionID, "outcome", result.Outcome.String())

	switch result.Outcome {
	case delivery.Delivered:
		return nil
	case delivery.TransientFailure:
		if sub.DeliveryErrorStrategy == notify.StrategyRetry {
			return p.store.StoreEvent(ctx, e)
		}
		return nil // IGNORE: drop.
	default: // PermanentFailure
		p.logger.Warn("ingest: permanent delivery failure, dropping event",
			"event_id", e.EventID, "subscription_id", sub.SubscriptionID, "error", result.Err)
		return nil
	}
}

func (p *Processor) publish(kind string, kv ...any) {
	if p.bus == nil {
		return
	}
	data := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		data[key] = kv[i+1]
	}
	p.bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceIngest, Kind: kind, Data: data})
}

// ErrUnavailable is returned by a Source when the underlying transport
// is not configured; callers treat it as "nothing to subscribe to"
// rather than a fatal startup error.
var ErrUnavailable = errors.New("ingest: source not configured")
