// Package events provides a publish/subscribe event bus for operational
// observability. The ingestion processor and the flush engine publish
// events (including delivery outcomes, under their own Source) to any
// in-process subscriber; the management API exposes no event stream,
// and the delivery providers do not publish. The bus is nil-safe:
// calling Publish on a nil *Bus is a no-op, so components do not need
// guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceIngest identifies events from the ingestion processor (C4).
	SourceIngest = "ingest"
	// SourceFlush identifies events from the flush engine (C5).
	SourceFlush = "flush"
	// SourceDelivery identifies events from a delivery provider (C3).
	// No component in this module publishes under it.
	SourceDelivery = "delivery"
)

// Kind constants describe the type of event within a source.
const (
	// KindEventStored signals an inbound event was persisted to C1
	// rather than delivered immediately.
	// Data: event_id, user_id. No component in this module publishes it.
	KindEventStored = "event_stored"
	// KindDeliveryResult signals the outcome of a single delivery
	// attempt, immediate or from a flush.
	// Data: outcome, plus event_id and subscription_id for an immediate
	// delivery (event_id and gateway for a gateway message), or user_id
	// and subscription_id for a flush delivery.
	KindDeliveryResult = "delivery_result"
	// KindFlushStart signals the beginning of a flush run.
	// Data: correlation_id, user_id (absent for an all-users flush).
	KindFlushStart = "flush_start"
	// KindFlushComplete signals the end of a flush run.
	// Data: correlation_id, users_processed, messages_delivered,
	// messages_failed, events_cleared.
	KindFlushComplete = "flush_complete"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
