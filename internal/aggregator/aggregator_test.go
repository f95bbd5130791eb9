package aggregator

import (
	"strings"
	"testing"
	"time"

	"github.com/arxiv/notifyd/internal/notify"
)

func sampleEvents() []notify.Event {
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	return []notify.Event{
		{EventID: "b", UserID: "u1", EventType: notify.EventAlert, Message: "disk full", Sender: "monitor", Timestamp: base.Add(time.Minute)},
		{EventID: "a", UserID: "u1", EventType: notify.EventAlert, Message: "cpu high", Sender: "monitor", Timestamp: base},
		{EventID: "c", UserID: "u1", EventType: notify.EventInfo, Message: "backup done", Sender: "cron", Timestamp: base.Add(2 * time.Minute)},
	}
}

func TestRender_Plain_Deterministic(t *testing.T) {
	events := sampleEvents()
	r1, err := Render("u1", events, notify.MethodPlain, "")
	if err != nil {
		t.Fatal(err)
	}
	r2, err := Render("u1", events, notify.MethodPlain, "")
	if err != nil {
		t.Fatal(err)
	}
	if r1.Body != r2.Body {
		t.Fatalf("rendering the same events twice produced different bodies")
	}
	if !strings.Contains(r1.Body, "cpu high") || !strings.Contains(r1.Body, "backup done") {
		t.Fatalf("plain body missing expected content: %s", r1.Body)
	}
	// a (10:00:00) must be listed before b (10:01:00) within the ALERT section.
	if strings.Index(r1.Body, "cpu high") > strings.Index(r1.Body, "disk full") {
		t.Fatalf("expected cpu high (earlier timestamp) before disk full")
	}
}

func TestRender_Plain_DoesNotMutateInput(t *testing.T) {
	events := sampleEvents()
	original := append([]notify.Event(nil), events...)
	if _, err := Render("u1", events, notify.MethodPlain, ""); err != nil {
		t.Fatal(err)
	}
	for i := range events {
		if events[i] != original[i] {
			t.Fatalf("Render mutated the input slice at index %d", i)
		}
	}
}

func TestRender_Plain_Empty(t *testing.T) {
	r, err := Render("u1", nil, notify.MethodPlain, "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(r.Body, "No new events") {
		t.Fatalf("expected a valid degenerate body for zero events, got: %q", r.Body)
	}
	if r.Subject == "" {
		t.Fatal("expected a non-empty default subject for zero events")
	}
}

func TestRender_Plain_HasUserHeader(t *testing.T) {
	r, err := Render("u42", sampleEvents(), notify.MethodPlain, "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(r.Body, "Event Summary for User u42") {
		t.Fatalf("expected a per-user header, got: %s", r.Body)
	}
}

func TestRender_Plain_Empty_StillHasUserHeader(t *testing.T) {
	r, err := Render("u42", nil, notify.MethodPlain, "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(r.Body, "Event Summary for User u42") {
		t.Fatalf("expected a per-user header even with zero events, got: %q", r.Body)
	}
}

func TestRender_MIME_Part1HasUserHeader(t *testing.T) {
	r, err := Render("u42", sampleEvents(), notify.MethodMIME, "Digest")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(r.Body, "Event Summary for User u42") {
		t.Fatalf("expected the MIME part-1 summary to carry the per-user header, got: %s", r.Body)
	}
}

func TestRender_HTML_EscapesInjection(t *testing.T) {
	events := []notify.Event{{
		EventID: "x", UserID: "u1", EventType: notify.EventAlert,
		Message: "<script>alert(1)</script>", Sender: "x",
		Subject: "<b>bold</b>", Timestamp: time.Now().UTC(),
	}}
	r, err := Render("u1", events, notify.MethodHTML, "")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(r.Body, "<script>") {
		t.Fatalf("expected html/template to escape script tags, got: %s", r.Body)
	}
	if r.ContentType != "text/html; charset=utf-8" {
		t.Fatalf("unexpected content type: %s", r.ContentType)
	}
}

func TestRender_MIME_HasBoundaryAndParts(t *testing.T) {
	events := sampleEvents()
	r, err := Render("u1", events, notify.MethodMIME, "Digest")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(r.ContentType, "multipart/mixed") || !strings.Contains(r.ContentType, "boundary=") {
		t.Fatalf("expected a multipart/mixed content type with a boundary, got: %s", r.ContentType)
	}
	if !strings.Contains(r.Body, "ALERT_events.txt") || !strings.Contains(r.Body, "INFO_events.txt") {
		t.Fatalf("expected one inline part per event type, got: %s", r.Body)
	}
	if r.Subject != "Digest" {
		t.Fatalf("expected explicit subject to be preserved, got: %s", r.Subject)
	}
}

func TestRender_UnknownMethod(t *testing.T) {
	if _, err := Render("u1", sampleEvents(), notify.AggregationMethod("RTF"), ""); err == nil {
		t.Fatal("expected an error for an unsupported aggregation method")
	}
}
