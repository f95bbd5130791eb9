// Package flush implements the flush engine (C5): for each user with
// undelivered events, it renders a digest per enabled subscription,
// attempts delivery, and clears delivered events from the store.
package flush

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arxiv/notifyd/internal/aggregator"
	"github.com/arxiv/notifyd/internal/delivery"
	"github.com/arxiv/notifyd/internal/events"
	"github.com/arxiv/notifyd/internal/notify"
)

// Store is the subset of the event store the flush engine depends on.
type Store interface {
	DistinctUndeliveredUsers(ctx context.Context) ([]string, error)
	GetUndeliveredEvents(ctx context.Context, filter StoreFilter) ([]notify.Event, error)
	ListSubscriptions(ctx context.Context, userID string, enabledOnly bool) ([]notify.Subscription, error)
	ClearEvents(ctx context.Context, userID string, beforeTimestamp time.Time) (int, error)
}

// StoreFilter mirrors store.EventFilter's shape without importing the
// store package, so flush can be tested against a fake.
type StoreFilter struct {
	UserID string
}

// Report aggregates the outcome of one Flush call.
type Report struct {
	UsersProcessed     int      `json:"users_processed"`
	MessagesDelivered  int      `json:"messages_delivered"`
	MessagesFailed     int      `json:"messages_failed"`
	EventsCleared      int      `json:"events_cleared"`
	Errors             []string `json:"errors"`
	DryRun             bool     `json:"dry_run"`
	CorrelationID      string   `json:"correlation_id"`
}

// Engine drives the per-user snapshot/render/deliver/clear protocol.
type Engine struct {
	store   Store
	email   *delivery.EmailProvider
	webhook *delivery.WebhookProvider
	bus     *events.Bus
	logger  *slog.Logger
}

// New builds a flush Engine.
func New(store Store, email *delivery.EmailProvider, webhook *delivery.WebhookProvider, bus *events.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, email: email, webhook: webhook, bus: bus, logger: logger}
}

// Flush runs the flush protocol. When userID is nil, every user with
// at least one undelivered event is processed. dryRun accumulates
// planned counts without calling a delivery provider or clearing
// events. forceDelivery clears a user's snapshot unconditionally after
// attempting delivery, even if every subscription failed.
func (e *Engine) Flush(ctx context.Context, userID *string, dryRun, forceDelivery bool) (Report, error) {
	correlationID := fmt.Sprintf("flush-%s-%d", userKey(userID), time.Now().Unix())
	logger := e.logger.With("correlation_id", correlationID)
	if userID != nil && *userID != "" {
		e.publish(events.KindFlushStart, "correlation_id", correlationID, "user_id", *userID)
	} else {
		e.publish(events.KindFlushStart, "correlation_id", correlationID)
	}

	report := Report{DryRun: dryRun, CorrelationID: correlationID, Errors: []string{}}

	users, err := e.workingUserSet(ctx, userID)
	if err != nil {
		return report, fmt.Errorf("compute working user set: %w", err)
	}

	for _, u := range users {
		if err := e.flushUser(ctx, logger, u, dryRun, forceDelivery, &report); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("user %s: %v", u, err))
		}
		report.UsersProcessed++
	}

	e.publish(events.KindFlushComplete,
		"correlation_id", correlationID,
		"users_processed", report.UsersProcessed,
		"messages_delivered", report.MessagesDelivered,
		"messages_failed", report.MessagesFailed,
		"events_cleared", report.EventsCleared,
	)
	logger.Info("flush complete",
		"users_processed", report.UsersProcessed,
		"messages_delivered", report.MessagesDelivered,
		"messages_failed", report.MessagesFailed,
		"events_cleared", report.EventsCleared,
		"errors", len(report.Errors),
	)
	return report, nil
}

func (e *Engine) workingUserSet(ctx context.Context, userID *string) ([]string, error) {
	if userID != nil && *userID != "" {
		return []string{*userID}, nil
	}
	return e.store.DistinctUndeliveredUsers(ctx)
}

// flushUser implements step 2 of the protocol for a single user: it
// snapshots events and subscriptions, renders and delivers per
// subscription, and decides whether to clear the snapshot.
func (e *Engine) flushUser(ctx context.Context, logger *slog.Logger, userID string, dryRun, forceDelivery bool, report *Report) error {
	eventsU, err := e.store.GetUndeliveredEvents(ctx, StoreFilter{UserID: userID})
	if err != nil {
		return fmt.Errorf("get_undelivered_events: %w", err)
	}
	subsU, err := e.store.ListSubscriptions(ctx, userID, true)
	if err != nil {
		return fmt.Errorf("list_subscriptions: %w", err)
	}
	if len(eventsU) == 0 || len(subsU) == 0 {
		return nil
	}

	snapshotMax := maxTimestamp(eventsU)

	anyDelivered := false
	anyFailed := false
	allRetry := true
	allIgnore := true

	for _, sub := range subsU {
		if sub.DeliveryErrorStrategy != notify.StrategyRetry {
			allRetry = false
		}
		if sub.DeliveryErrorStrategy != notify.StrategyIgnore {
			allIgnore = false
		}

		subject := sub.AggregatedMessageSubject
		if subject == "" {
			subject = "Event Summary"
		}
		rendered, err := aggregator.Render(userID, eventsU, sub.AggregationMethod, subject)
		if err != nil {
			logger.Error("flush: render failed", "user_id", userID, "subscription_id", sub.SubscriptionID, "error", err)
			anyFailed = true
			report.MessagesFailed++
			continue
		}

		if dryRun {
			anyDelivered = true // planned delivery counts as a would-be success for reporting purposes.
			report.MessagesDelivered++
			continue
		}

		provider, ok := delivery.ForMethod(sub.DeliveryMethod, e.email, e.webhook)
		if !ok {
			logger.Error("flush: no provider configured", "user_id", userID, "delivery_method", sub.DeliveryMethod)
			anyFailed = true
			report.MessagesFailed++
			continue
		}

		// eventsU may mix senders across its events; the store returns the
		// snapshot in ascending timestamp order, so eventsU[0] is the
		// batch's earliest event and stands in as the representative
		// sender for the digest as a whole.
		result := provider.Send(ctx, sub, rendered, eventsU[0].Sender)
		e.publish(events.KindDeliveryResult, "user_id", userID, "subscription_id", sub.SubscriptionID, "outcome", result.Outcome.String())

		if result.Outcome == delivery.Delivered {
			anyDelivered = true
			report.MessagesDelivered++
		} else {
			anyFailed = true
			report.MessagesFailed++
			logger.Warn("flush: delivery failed", "user_id", userID, "subscription_id", sub.SubscriptionID, "outcome", result.Outcome.String(), "error", result.Err)
		}
	}

	if dryRun {
		return nil
	}

	shouldClear := decideClear(anyDelivered, anyFailed, allRetry, allIgnore, forceDelivery)
	if !shouldClear {
		return nil
	}

	n, err := e.store.ClearEvents(ctx, userID, snapshotMax)
	if err != nil {
		return fmt.Errorf("clear_events: %w", err)
	}
	report.EventsCleared += n
	return nil
}

// decideClear implements protocol step 2d.
func decideClear(anyDelivered, anyFailed, allRetry, allIgnore, forceDelivery bool) bool {
	if forceDelivery {
		return true
	}
	if anyDelivered {
		return true
	}
	if anyFailed && allRetry {
		return false
	}
	if anyFailed && allIgnore {
		return true
	}
	return false
}

func maxTimestamp(evts []notify.Event) time.Time {
	var max time.Time
	for _, e := range evts {
		if e.Timestamp.After(max) {
			max = e.Timestamp
		}
	}
	return max
}

func userKey(userID *string) string {
	if userID == nil || *userID == "" {
		return "all"
	}
	return *userID
}

func (e *Engine) publish(kind string, kv ...any) {
	if e.bus == nil {
		return
	}
	data := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		data[key] = kv[i+1]
	}
	e.bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceFlush, Kind: kind, Data: data})
}
