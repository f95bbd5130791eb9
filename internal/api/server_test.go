package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/arxiv/notifyd/internal/flush"
	"github.com/arxiv/notifyd/internal/notify"
	"github.com/arxiv/notifyd/internal/store"
)

// fakeStore is an in-memory Store stand-in for exercising the HTTP
// layer without SQLite.
type fakeStore struct {
	mu     sync.Mutex
	events map[string]notify.Event // by event_id
	subs   map[string]notify.Subscription // by subscription_id
	nextID int
}

func newFakeStore() *fakeStore {
	return &fakeStore{events: map[string]notify.Event{}, subs: map[string]notify.Subscription{}}
}

func (f *fakeStore) StoreEvent(ctx context.Context, e notify.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[e.EventID] = e
	return nil
}

func (f *fakeStore) GetUndeliveredEvents(ctx context.Context, filter store.EventFilter) ([]notify.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []notify.Event
	for _, e := range f.events {
		if filter.UserID != "" && e.UserID != filter.UserID {
			continue
		}
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

func (f *fakeStore) GetEvent(ctx context.Context, eventID string) (notify.Event, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[eventID]
	return e, ok, nil
}

func (f *fakeStore) DeleteEvents(ctx context.Context, eventIDs []string, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	if len(eventIDs) > 0 {
		for _, id := range eventIDs {
			if _, ok := f.events[id]; ok {
				delete(f.events, id)
				n++
			}
		}
		return n, nil
	}
	for id, e := range f.events {
		if e.UserID == userID {
			delete(f.events, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ClearEvents(ctx context.Context, userID string, beforeTimestamp time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, e := range f.events {
		if e.UserID == userID && !e.Timestamp.After(beforeTimestamp) {
			delete(f.events, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) Stats(ctx context.Context) (notify.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := notify.Stats{PerUser: map[string]int{}, PerType: map[string]int{}}
	for _, e := range f.events {
		stats.PerUser[e.UserID]++
		stats.PerType[string(e.EventType)]++
		stats.TotalUndelivered++
	}
	stats.UsersWithUndelivered = len(stats.PerUser)
	return stats, nil
}

func (f *fakeStore) DistinctUndeliveredUsers(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	var users []string
	for _, e := range f.events {
		if !seen[e.UserID] {
			seen[e.UserID] = true
			users = append(users, e.UserID)
		}
	}
	return users, nil
}

func (f *fakeStore) DistinctSubscriptionUsers(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	var users []string
	for _, sub := range f.subs {
		if !seen[sub.UserID] {
			seen[sub.UserID] = true
			users = append(users, sub.UserID)
		}
	}
	return users, nil
}

func (f *fakeStore) ListSubscriptions(ctx context.Context, userID string, enabledOnly bool) ([]notify.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []notify.Subscription
	for _, sub := range f.subs {
		if userID != "" && sub.UserID != userID {
			continue
		}
		if enabledOnly && !sub.Enabled {
			continue
		}
		result = append(result, sub)
	}
	return result, nil
}

func (f *fakeStore) UpsertSubscription(ctx context.Context, sub notify.Subscription) (notify.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub.SubscriptionID == "" {
		f.nextID++
		sub.SubscriptionID = "sub-generated"
	}
	f.subs[sub.SubscriptionID] = sub
	return sub, nil
}

func (f *fakeStore) GetSubscription(ctx context.Context, subscriptionID string) (notify.Subscription, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[subscriptionID]
	return sub, ok, nil
}

func (f *fakeStore) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, subscriptionID)
	return nil
}

// fakeFlusher records the last Flush call and returns a canned report.
type fakeFlusher struct {
	report    flush.Report
	err       error
	lastCall  flushCallArgs
}

type flushCallArgs struct {
	userID        *string
	dryRun        bool
	forceDelivery bool
}

func (f *fakeFlusher) Flush(ctx context.Context, userID *string, dryRun, forceDelivery bool) (flush.Report, error) {
	f.lastCall = flushCallArgs{userID: userID, dryRun: dryRun, forceDelivery: forceDelivery}
	return f.report, f.err
}

func newTestServer(st *fakeStore, fl *fakeFlusher) *Server {
	var flusher Flusher
	if fl != nil {
		flusher = fl
	}
	return NewServer("", 0, st, flusher, nil)
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewBuffer(b)
	} else {
		reader = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /users", s.handleListUsers)
	mux.HandleFunc("GET /users/{uid}/messages", s.handleListUserMessages)
	mux.HandleFunc("GET /users/{uid}/messages/{mid}", s.handleGetUserMessage)
	mux.HandleFunc("DELETE /users/{uid}/messages", s.handleDeleteUserMessages)
	mux.HandleFunc("DELETE /users/{uid}/messages/{mid}", s.handleDeleteUserMessages)
	mux.HandleFunc("GET /undelivered", s.handleListUndelivered)
	mux.HandleFunc("GET /undelivered/stats", s.handleUndeliveredStats)
	mux.HandleFunc("DELETE /undelivered", s.handleDeleteUndelivered)
	mux.HandleFunc("GET /users/{uid}/subscriptions", s.handleListSubscriptions)
	mux.HandleFunc("POST /users/{uid}/subscriptions", s.handleCreateSubscription)
	mux.HandleFunc("GET /users/{uid}/subscriptions/{sid}", s.handleGetSubscription)
	mux.HandleFunc("PUT /users/{uid}/subscriptions/{sid}", s.handlePutSubscription)
	mux.HandleFunc("DELETE /users/{uid}/subscriptions/{sid}", s.handleDeleteSubscription)
	mux.HandleFunc("POST /flush", s.handleFlush)
	s.recoverPanics(mux).ServeHTTP(rr, req)
	return rr
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(newFakeStore(), nil)
	rr := do(t, s, "GET", "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestHandleListUsers_ExcludesEmptyByDefault(t *testing.T) {
	st := newFakeStore()
	st.events["e1"] = notify.Event{EventID: "e1", UserID: "u1", EventType: notify.EventAlert, Timestamp: time.Now()}
	s := newTestServer(st, nil)

	rr := do(t, s, "GET", "/users", nil)
	var users []userSummary
	if err := json.Unmarshal(rr.Body.Bytes(), &users); err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0].UserID != "u1" || users[0].UndeliveredCount != 1 {
		t.Fatalf("unexpected users: %+v", users)
	}
}

func TestHandleListUsers_IncludesSubscriptionOnlyUser(t *testing.T) {
	st := newFakeStore()
	st.subs["s1"] = notify.Subscription{
		SubscriptionID: "s1", UserID: "u2", DeliveryMethod: notify.DeliveryEmail,
		EmailAddress: "u2@example.com", Enabled: true,
	}
	s := newTestServer(st, nil)

	rr := do(t, s, "GET", "/users?include_empty=true", nil)
	var users []userSummary
	if err := json.Unmarshal(rr.Body.Bytes(), &users); err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, u := range users {
		if u.UserID == "u2" {
			found = true
			if u.SubscriptionCount != 1 || u.EnabledSubscriptions != 1 || u.UndeliveredCount != 0 {
				t.Fatalf("unexpected summary for u2: %+v", u)
			}
		}
	}
	if !found {
		t.Fatalf("expected subscription-only user u2 to appear with include_empty=true, got: %+v", users)
	}
}

func TestHandleListUserMessages_InvalidEventType(t *testing.T) {
	s := newTestServer(newFakeStore(), nil)
	rr := do(t, s, "GET", "/users/u1/messages?event_type=BOGUS", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestHandleGetUserMessage_NotFound(t *testing.T) {
	s := newTestServer(newFakeStore(), nil)
	rr := do(t, s, "GET", "/users/u1/messages/missing", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestHandleGetUserMessage_WrongUserIsNotFound(t *testing.T) {
	st := newFakeStore()
	st.events["e1"] = notify.Event{EventID: "e1", UserID: "u1", EventType: notify.EventAlert, Timestamp: time.Now()}
	s := newTestServer(st, nil)
	rr := do(t, s, "GET", "/users/u2/messages/e1", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 when message belongs to a different user", rr.Code)
	}
}

func TestHandleDeleteUndelivered_RequiresFilter(t *testing.T) {
	s := newTestServer(newFakeStore(), nil)
	rr := do(t, s, "DELETE", "/undelivered", map[string]any{})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestHandleDeleteUndelivered_ByUser(t *testing.T) {
	st := newFakeStore()
	st.events["e1"] = notify.Event{EventID: "e1", UserID: "u1", EventType: notify.EventAlert, Timestamp: time.Now()}
	st.events["e2"] = notify.Event{EventID: "e2", UserID: "u2", EventType: notify.EventAlert, Timestamp: time.Now()}
	s := newTestServer(st, nil)

	rr := do(t, s, "DELETE", "/undelivered", map[string]any{"user_id": "u1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp map[string]int
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["count"] != 1 {
		t.Fatalf("expected count=1, got %+v", resp)
	}
	if len(st.events) != 1 {
		t.Fatalf("expected only u2's event to survive, got %+v", st.events)
	}
}

func TestHandleDeleteUserMessages_BeforeTimestamp(t *testing.T) {
	st := newFakeStore()
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	st.events["e1"] = notify.Event{EventID: "e1", UserID: "u1", EventType: notify.EventAlert, Timestamp: old}
	st.events["e2"] = notify.Event{EventID: "e2", UserID: "u1", EventType: notify.EventAlert, Timestamp: recent}
	s := newTestServer(st, nil)

	rr := do(t, s, "DELETE", "/users/u1/messages?before_timestamp="+old.Add(time.Hour).Format(time.RFC3339), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp map[string]int
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["count"] != 1 {
		t.Fatalf("expected count=1, got %+v", resp)
	}
	if _, ok := st.events["e2"]; !ok {
		t.Fatalf("expected e2 (after the cutoff) to survive")
	}
}

func TestHandleDeleteUserMessages_InvalidBeforeTimestamp(t *testing.T) {
	s := newTestServer(newFakeStore(), nil)
	rr := do(t, s, "DELETE", "/users/u1/messages?before_timestamp=not-a-time", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestHandleCreateSubscription_ValidationError(t *testing.T) {
	s := newTestServer(newFakeStore(), nil)
	rr := do(t, s, "POST", "/users/u1/subscriptions", map[string]any{
		"delivery_method": "EMAIL",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing email_address", rr.Code)
	}
}

func TestHandleCreateSubscription_Success(t *testing.T) {
	s := newTestServer(newFakeStore(), nil)
	rr := do(t, s, "POST", "/users/u1/subscriptions", map[string]any{
		"delivery_method": "EMAIL",
		"email_address":   "a@x.com",
		"enabled":         true,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rr.Code, rr.Body.String())
	}
	var sub notify.Subscription
	if err := json.Unmarshal(rr.Body.Bytes(), &sub); err != nil {
		t.Fatal(err)
	}
	if sub.SubscriptionID == "" || sub.UserID != "u1" {
		t.Fatalf("unexpected subscription: %+v", sub)
	}
	if sub.AggregationFrequency != notify.FrequencyImmediate || sub.AggregationMethod != notify.MethodPlain {
		t.Fatalf("expected defaults applied, got %+v", sub)
	}
}

func TestHandleCreateSubscription_EnabledDefaultsTrueWhenOmitted(t *testing.T) {
	s := newTestServer(newFakeStore(), nil)
	rr := do(t, s, "POST", "/users/u1/subscriptions", map[string]any{
		"delivery_method": "EMAIL",
		"email_address":   "a@x.com",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rr.Code, rr.Body.String())
	}
	var sub notify.Subscription
	if err := json.Unmarshal(rr.Body.Bytes(), &sub); err != nil {
		t.Fatal(err)
	}
	if !sub.Enabled {
		t.Fatalf("expected enabled to default to true when omitted, got %+v", sub)
	}
}

func TestHandleCreateSubscription_EnabledFalseIsHonored(t *testing.T) {
	s := newTestServer(newFakeStore(), nil)
	rr := do(t, s, "POST", "/users/u1/subscriptions", map[string]any{
		"delivery_method": "EMAIL",
		"email_address":   "a@x.com",
		"enabled":         false,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rr.Code, rr.Body.String())
	}
	var sub notify.Subscription
	if err := json.Unmarshal(rr.Body.Bytes(), &sub); err != nil {
		t.Fatal(err)
	}
	if sub.Enabled {
		t.Fatalf("expected an explicit enabled=false to be honored, got %+v", sub)
	}
}

func TestHandleCreateSubscription_ConflictingFields(t *testing.T) {
	s := newTestServer(newFakeStore(), nil)
	rr := do(t, s, "POST", "/users/u1/subscriptions", map[string]any{
		"delivery_method":   "EMAIL",
		"email_address":     "a@x.com",
		"slack_webhook_url": "https://hooks.slack.test/x",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for both email and webhook set", rr.Code)
	}
}

func TestHandlePutSubscription_NotFound(t *testing.T) {
	s := newTestServer(newFakeStore(), nil)
	rr := do(t, s, "PUT", "/users/u1/subscriptions/missing", map[string]any{
		"delivery_method": "EMAIL",
		"email_address":   "a@x.com",
	})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestHandleDeleteSubscription(t *testing.T) {
	st := newFakeStore()
	st.subs["s1"] = notify.Subscription{SubscriptionID: "s1", UserID: "u1", DeliveryMethod: notify.DeliveryEmail, EmailAddress: "a@x.com"}
	s := newTestServer(st, nil)

	rr := do(t, s, "DELETE", "/users/u1/subscriptions/s1", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
	if _, ok := st.subs["s1"]; ok {
		t.Fatal("expected subscription removed")
	}
}

func TestHandleFlush_DelegatesToEngine(t *testing.T) {
	fl := &fakeFlusher{report: flush.Report{MessagesDelivered: 2, CorrelationID: "flush-u1-1"}}
	s := newTestServer(newFakeStore(), fl)

	rr := do(t, s, "POST", "/flush", map[string]any{"user_id": "u1", "dry_run": true})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if fl.lastCall.userID == nil || *fl.lastCall.userID != "u1" || !fl.lastCall.dryRun {
		t.Fatalf("unexpected flush call: %+v", fl.lastCall)
	}
	var report flush.Report
	json.Unmarshal(rr.Body.Bytes(), &report)
	if report.MessagesDelivered != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestHandleFlush_NotConfigured(t *testing.T) {
	s := newTestServer(newFakeStore(), nil)
	rr := do(t, s, "POST", "/flush", map[string]any{})
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestRecoverPanics(t *testing.T) {
	s := newTestServer(newFakeStore(), nil)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /boom", func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	})
	req := httptest.NewRequest("GET", "/boom", nil)
	rr := httptest.NewRecorder()
	s.recoverPanics(mux).ServeHTTP(rr, req)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 after recovered panic", rr.Code)
	}
}
