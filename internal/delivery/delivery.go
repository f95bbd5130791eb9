// Package delivery sends a rendered digest to a subscriber over the
// transport named by its subscription: EMAIL via SMTP, or SLACK via an
// HTTP webhook. Both providers classify failures as transient (worth
// retrying) or permanent (worth dropping, per the subscription's
// delivery_error_strategy).
package delivery

import (
	"context"

	"github.com/arxiv/notifyd/internal/aggregator"
	"github.com/arxiv/notifyd/internal/notify"
)

// Outcome classifies the result of a single Send call.
type Outcome int

const (
	// Delivered means the message was accepted by the downstream
	// transport.
	Delivered Outcome = iota
	// TransientFailure means the send failed in a way that may
	// succeed on retry (network error, 5xx, timeout).
	TransientFailure
	// PermanentFailure means the send failed in a way retrying will
	// not fix (malformed address, 4xx other than rate-limit/timeout).
	PermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case TransientFailure:
		return "transient_failure"
	case PermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// Result is the outcome of one delivery attempt.
type Result struct {
	Outcome Outcome
	Err     error
}

// Provider sends a rendered digest to the address/webhook a
// subscription names. sender is the originating event's identity
// string (notify.Event.Sender), by convention an email address;
// providers fall back to their own configured default when it is
// empty or unusable.
type Provider interface {
	Send(ctx context.Context, sub notify.Subscription, rendered aggregator.Rendered, sender string) Result
}

// ForMethod returns the provider registered for a delivery method.
func ForMethod(method notify.DeliveryMethod, email *EmailProvider, webhook *WebhookProvider) (Provider, bool) {
	switch method {
	case notify.DeliveryEmail:
		if email == nil {
			return nil, false
		}
		return email, true
	case notify.DeliverySlack:
		if webhook == nil {
			return nil, false
		}
		return webhook, true
	default:
		return nil, false
	}
}
