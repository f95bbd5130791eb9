package api

import "net/http"

// flushRequest is the body of POST /flush. A nil/empty user_id flushes
// every user with undelivered events.
type flushRequest struct {
	UserID        string `json:"user_id,omitempty"`
	DryRun        bool   `json:"dry_run"`
	ForceDelivery bool   `json:"force_delivery"`
}

// handleFlush serves POST /flush.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if s.flusher == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "flush not configured")
		return
	}

	var req flushRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	var userID *string
	if req.UserID != "" {
		userID = &req.UserID
	}

	report, err := s.flusher.Flush(r.Context(), userID, req.DryRun, req.ForceDelivery)
	if err != nil {
		s.logger.Error("flush failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "flush failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, report, s.logger)
}
