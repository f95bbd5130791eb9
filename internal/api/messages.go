package api

import (
	"net/http"
	"time"

	"github.com/arxiv/notifyd/internal/notify"
	"github.com/arxiv/notifyd/internal/store"
)

// handleListUserMessages serves GET /users/{uid}/messages?event_type=&limit=.
func (s *Server) handleListUserMessages(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	filter := store.EventFilter{
		UserID:    uid,
		EventType: notify.EventType(r.URL.Query().Get("event_type")),
		Limit:     parseIntParam(r, "limit", 0),
	}
	if filter.EventType != "" && !notify.ValidEventType(filter.EventType) {
		s.errorResponse(w, http.StatusBadRequest, "invalid event_type")
		return
	}

	events, err := s.store.GetUndeliveredEvents(r.Context(), filter)
	if err != nil {
		s.storeError(w, "get_undelivered_events", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, events, s.logger)
}

// handleGetUserMessage serves GET /users/{uid}/messages/{mid}.
func (s *Server) handleGetUserMessage(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	mid := r.PathValue("mid")

	event, ok, err := s.store.GetEvent(r.Context(), mid)
	if err != nil {
		s.storeError(w, "get_event", err)
		return
	}
	if !ok || event.UserID != uid {
		s.errorResponse(w, http.StatusNotFound, "message not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, event, s.logger)
}

// handleDeleteUserMessages serves DELETE /users/{uid}/messages[?before_timestamp=]
// and DELETE /users/{uid}/messages/{mid}. before_timestamp only applies to
// the whole-user form; it is ignored when {mid} is present.
func (s *Server) handleDeleteUserMessages(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	mid := r.PathValue("mid")

	if mid == "" {
		if raw := r.URL.Query().Get("before_timestamp"); raw != "" {
			before, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				s.errorResponse(w, http.StatusBadRequest, "invalid before_timestamp, must be RFC3339")
				return
			}
			n, err := s.store.ClearEvents(r.Context(), uid, before)
			if err != nil {
				s.storeError(w, "clear_events", err)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			writeJSON(w, map[string]int{"count": n}, s.logger)
			return
		}
	}

	var eventIDs []string
	if mid != "" {
		eventIDs = []string{mid}
	}

	n, err := s.store.DeleteEvents(r.Context(), eventIDs, uid)
	if err != nil {
		s.storeError(w, "delete_events", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]int{"count": n}, s.logger)
}

// handleListUndelivered serves GET /undelivered?limit=&event_type=.
func (s *Server) handleListUndelivered(w http.ResponseWriter, r *http.Request) {
	filter := store.EventFilter{
		EventType: notify.EventType(r.URL.Query().Get("event_type")),
		Limit:     parseIntParam(r, "limit", 0),
	}
	if filter.EventType != "" && !notify.ValidEventType(filter.EventType) {
		s.errorResponse(w, http.StatusBadRequest, "invalid event_type")
		return
	}

	events, err := s.store.GetUndeliveredEvents(r.Context(), filter)
	if err != nil {
		s.storeError(w, "get_undelivered_events", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, events, s.logger)
}

// handleUndeliveredStats serves GET /undelivered/stats.
func (s *Server) handleUndeliveredStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.storeError(w, "stats", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, stats, s.logger)
}

// deleteUndeliveredRequest is the body of DELETE /undelivered.
type deleteUndeliveredRequest struct {
	EventIDs []string `json:"event_ids,omitempty"`
	UserID   string   `json:"user_id,omitempty"`
}

// handleDeleteUndelivered serves DELETE /undelivered.
func (s *Server) handleDeleteUndelivered(w http.ResponseWriter, r *http.Request) {
	var req deleteUndeliveredRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if len(req.EventIDs) == 0 && req.UserID == "" {
		s.errorResponse(w, http.StatusBadRequest, "one of event_ids or user_id is required")
		return
	}

	n, err := s.store.DeleteEvents(r.Context(), req.EventIDs, req.UserID)
	if err != nil {
		s.storeError(w, "delete_events", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]int{"count": n}, s.logger)
}
