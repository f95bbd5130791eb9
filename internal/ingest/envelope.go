package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/arxiv/notifyd/internal/notify"
)

// envelope is the wire format of one pub/sub message (§6 of the
// service's external interface). Exactly one of UserID, UserIDs, or
// EmailTo must be present.
type envelope struct {
	EventID   string            `json:"event_id"`
	UserID    *string           `json:"user_id"`
	UserIDs   []string          `json:"user_ids"`
	EventType notify.EventType  `json:"event_type"`
	Message   string            `json:"message"`
	Sender    string            `json:"sender"`
	Subject   string            `json:"subject"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
	EmailTo   *string           `json:"email_to"`
}

// parseEnvelope unmarshals payload and validates the required fields
// and enum values. It does not validate exactly-one-of UserID/UserIDs/
// EmailTo — that is targets()'s job, since it needs to report which
// combination was invalid.
func parseEnvelope(payload []byte) (envelope, error) {
	var e envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if e.EventID == "" {
		return envelope{}, fmt.Errorf("event_id is required")
	}
	if !notify.ValidEventType(e.EventType) {
		return envelope{}, fmt.Errorf("event_type %q is not one of NOTIFICATION, ALERT, WARNING, INFO", e.EventType)
	}
	if e.Timestamp.IsZero() {
		return envelope{}, fmt.Errorf("timestamp is required")
	}
	return e, nil
}

// isGateway reports whether e is an email-gateway message: bypasses
// subscription lookup and targets EmailTo directly.
func (e envelope) isGateway() bool {
	return e.EmailTo != nil && *e.EmailTo != ""
}

// targets expands UserID/UserIDs into the target user set U, enforcing
// that exactly one of user_id, user_ids, email_to is present.
func (e envelope) targets() ([]string, error) {
	present := 0
	if e.UserID != nil && *e.UserID != "" {
		present++
	}
	if len(e.UserIDs) > 0 {
		present++
	}
	if e.isGateway() {
		present++
	}
	if present != 1 {
		return nil, fmt.Errorf("exactly one of user_id, user_ids, email_to must be present, got %d", present)
	}

	if e.isGateway() {
		return nil, nil
	}
	if e.UserID != nil && *e.UserID != "" {
		return []string{*e.UserID}, nil
	}
	return e.UserIDs, nil
}

// event converts the envelope into the domain Event for a single
// target user.
func (e envelope) event(userID string) notify.Event {
	return notify.Event{
		EventID:   e.EventID,
		UserID:    userID,
		EventType: e.EventType,
		Message:   e.Message,
		Sender:    e.Sender,
		Subject:   e.Subject,
		Timestamp: e.Timestamp,
		Metadata:  e.Metadata,
	}
}
