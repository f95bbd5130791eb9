package store

import (
	"context"
	"testing"
	"time"

	"github.com/arxiv/notifyd/internal/notify"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testEvent(id, userID string, ts time.Time) notify.Event {
	return notify.Event{
		EventID:   id,
		UserID:    userID,
		EventType: notify.EventAlert,
		Message:   "hello",
		Sender:    "sender@x.com",
		Subject:   "subj",
		Timestamp: ts,
	}
}

func TestStoreEvent_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := testEvent("e1", "u1", time.Now().UTC())

	if err := s.StoreEvent(ctx, e); err != nil {
		t.Fatalf("first store_event: %v", err)
	}
	if err := s.StoreEvent(ctx, e); err != nil {
		t.Fatalf("second store_event (idempotent) should succeed: %v", err)
	}

	events, err := s.GetUndeliveredEvents(ctx, EventFilter{UserID: "u1"})
	if err != nil {
		t.Fatalf("get_undelivered_events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one record after duplicate store, got %d", len(events))
	}
}

func TestClearEvents_RespectsTimestampPredicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	e1 := testEvent("e1", "u1", base)
	e2 := testEvent("e2", "u1", base.Add(time.Hour))
	if err := s.StoreEvent(ctx, e1); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreEvent(ctx, e2); err != nil {
		t.Fatal(err)
	}

	n, err := s.ClearEvents(ctx, "u1", base)
	if err != nil {
		t.Fatalf("clear_events: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 event cleared, got %d", n)
	}

	remaining, err := s.GetUndeliveredEvents(ctx, EventFilter{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 || remaining[0].EventID != "e2" {
		t.Fatalf("expected e2 (timestamp > before_timestamp) to survive, got %+v", remaining)
	}
}

// TestNoLostEvents verifies property #2: an event stored after a clear
// whose timestamp exceeds the clear's before_timestamp is present
// after the clear.
func TestNoLostEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	if _, err := s.ClearEvents(ctx, "u1", base); err != nil {
		t.Fatal(err)
	}

	late := testEvent("late", "u1", base.Add(time.Minute))
	if err := s.StoreEvent(ctx, late); err != nil {
		t.Fatal(err)
	}

	if _, err := s.ClearEvents(ctx, "u1", base); err != nil {
		t.Fatal(err)
	}

	events, err := s.GetUndeliveredEvents(ctx, EventFilter{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].EventID != "late" {
		t.Fatalf("expected late event to survive repeated clear at the same before_timestamp, got %+v", events)
	}
}

func TestGetUndeliveredEvents_OrderingAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	must := func(e notify.Event) {
		if err := s.StoreEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	must(testEvent("b", "u1", base))
	must(testEvent("a", "u1", base))
	must(testEvent("z", "u1", base.Add(time.Second)))
	must(testEvent("x", "u2", base))

	events, err := s.GetUndeliveredEvents(ctx, EventFilter{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events for u1, got %d", len(events))
	}
	// Same timestamp: tie-break by event_id lex order ("a" before "b").
	if events[0].EventID != "a" || events[1].EventID != "b" || events[2].EventID != "z" {
		t.Fatalf("unexpected ordering: %v", []string{events[0].EventID, events[1].EventID, events[2].EventID})
	}
}

func TestDeleteEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	must := func(e notify.Event) {
		if err := s.StoreEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	must(testEvent("e1", "u1", time.Now().UTC()))

	existed, err := s.DeleteEvent(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if !existed {
		t.Fatal("expected DeleteEvent to report the event existed")
	}

	existed, err = s.DeleteEvent(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if existed {
		t.Fatal("expected second DeleteEvent of the same id to report false")
	}
}

func TestSubscriptions_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sub := notify.Subscription{
		UserID:                "u1",
		DeliveryMethod:        notify.DeliveryEmail,
		AggregationFrequency:  notify.FrequencyDaily,
		AggregationMethod:     notify.MethodHTML,
		DeliveryErrorStrategy: notify.StrategyRetry,
		EmailAddress:          "a@x.com",
		Enabled:               true,
	}
	saved, err := s.UpsertSubscription(ctx, sub)
	if err != nil {
		t.Fatal(err)
	}
	if saved.SubscriptionID == "" {
		t.Fatal("expected a generated subscription_id")
	}

	subs, err := s.ListSubscriptions(ctx, "u1", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(subs))
	}

	saved.Enabled = false
	if _, err := s.UpsertSubscription(ctx, saved); err != nil {
		t.Fatal(err)
	}

	enabledOnly, err := s.ListSubscriptions(ctx, "u1", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(enabledOnly) != 0 {
		t.Fatalf("expected disabled subscription to be excluded from enabled-only listing, got %d", len(enabledOnly))
	}

	if err := s.DeleteSubscription(ctx, saved.SubscriptionID); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteSubscription(ctx, "missing-id"); err != nil {
		t.Fatalf("delete of missing id should be a no-op success, got: %v", err)
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()
	must := func(e notify.Event) {
		if err := s.StoreEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	must(testEvent("e1", "u1", base))
	must(testEvent("e2", "u1", base))
	must(testEvent("e3", "u2", base))

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalUndelivered != 3 {
		t.Errorf("TotalUndelivered = %d, want 3", stats.TotalUndelivered)
	}
	if stats.UsersWithUndelivered != 2 {
		t.Errorf("UsersWithUndelivered = %d, want 2", stats.UsersWithUndelivered)
	}
	if stats.PerUser["u1"] != 2 {
		t.Errorf("PerUser[u1] = %d, want 2", stats.PerUser["u1"])
	}
}
