package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/arxiv/notifyd/internal/notify"
)

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// decodeSubscriptionBody decodes r's body into a Subscription and also
// reports whether the client's JSON included an "enabled" key, since a
// bare bool can't otherwise distinguish "omitted" (default to true)
// from "explicitly false".
func decodeSubscriptionBody(r *http.Request) (sub notify.Subscription, enabledSet bool, err error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return notify.Subscription{}, false, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sub); err != nil {
		return notify.Subscription{}, false, err
	}

	var presence map[string]json.RawMessage
	if err := json.Unmarshal(data, &presence); err != nil {
		return notify.Subscription{}, false, err
	}
	_, enabledSet = presence["enabled"]
	return sub, enabledSet, nil
}

// handleListSubscriptions serves GET /users/{uid}/subscriptions.
func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")

	subs, err := s.store.ListSubscriptions(r.Context(), uid, false)
	if err != nil {
		s.storeError(w, "list_subscriptions", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, subs, s.logger)
}

// handleCreateSubscription serves POST /users/{uid}/subscriptions. A
// client-supplied subscription_id is ignored; the store assigns one.
func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")

	sub, enabledSet, err := decodeSubscriptionBody(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sub.UserID = uid
	sub.SubscriptionID = ""
	applySubscriptionDefaults(&sub, enabledSet)

	// Validate requires a non-empty subscription_id; the store assigns
	// the real one, so a placeholder is used purely for validation.
	sub.SubscriptionID = "pending"
	if err := sub.Validate(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	sub.SubscriptionID = ""

	created, err := s.store.UpsertSubscription(r.Context(), sub)
	if err != nil {
		s.storeError(w, "upsert_subscription", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, created, s.logger)
}

// handleGetSubscription serves GET /users/{uid}/subscriptions/{sid}.
func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	sid := r.PathValue("sid")

	sub, ok, err := s.store.GetSubscription(r.Context(), sid)
	if err != nil {
		s.storeError(w, "get_subscription", err)
		return
	}
	if !ok || sub.UserID != uid {
		s.errorResponse(w, http.StatusNotFound, "subscription not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, sub, s.logger)
}

// handlePutSubscription serves PUT /users/{uid}/subscriptions/{sid},
// replacing the subscription in full. The subscription must already
// exist for this user.
func (s *Server) handlePutSubscription(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	sid := r.PathValue("sid")

	existing, ok, err := s.store.GetSubscription(r.Context(), sid)
	if err != nil {
		s.storeError(w, "get_subscription", err)
		return
	}
	if !ok || existing.UserID != uid {
		s.errorResponse(w, http.StatusNotFound, "subscription not found")
		return
	}

	sub, enabledSet, err := decodeSubscriptionBody(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sub.SubscriptionID = sid
	sub.UserID = uid
	applySubscriptionDefaults(&sub, enabledSet)

	if err := sub.Validate(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := s.store.UpsertSubscription(r.Context(), sub)
	if err != nil {
		s.storeError(w, "upsert_subscription", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, updated, s.logger)
}

// handleDeleteSubscription serves DELETE /users/{uid}/subscriptions/{sid}.
func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	sid := r.PathValue("sid")

	sub, ok, err := s.store.GetSubscription(r.Context(), sid)
	if err != nil {
		s.storeError(w, "get_subscription", err)
		return
	}
	if !ok || sub.UserID != uid {
		s.errorResponse(w, http.StatusNotFound, "subscription not found")
		return
	}

	if err := s.store.DeleteSubscription(r.Context(), sid); err != nil {
		s.storeError(w, "delete_subscription", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// applySubscriptionDefaults fills in fields a client is allowed to
// omit, mirroring the defaults a direct store write would otherwise
// require the caller to spell out. enabledSet reports whether the
// client's JSON included an "enabled" key at all; enabled defaults to
// true, and a plain bool can't tell "omitted" from "false" on its own.
func applySubscriptionDefaults(sub *notify.Subscription, enabledSet bool) {
	if sub.AggregationFrequency == "" {
		sub.AggregationFrequency = notify.FrequencyImmediate
	}
	if sub.AggregationMethod == "" {
		sub.AggregationMethod = notify.MethodPlain
	}
	if sub.DeliveryErrorStrategy == "" {
		sub.DeliveryErrorStrategy = notify.StrategyRetry
	}
	if !enabledSet {
		sub.Enabled = true
	}
}
