package api

import "net/http"

// userSummary is one row of GET /users.
type userSummary struct {
	UserID              string `json:"user_id"`
	SubscriptionCount   int    `json:"subscription_count"`
	UndeliveredCount    int    `json:"undelivered_count"`
	EnabledSubscriptions int   `json:"enabled_subscriptions"`
}

// handleListUsers returns one summary row per user known to the
// store, either from an undelivered event or a subscription. With
// include_empty=false (the default) users with zero of both are
// omitted.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	includeEmpty := parseBoolParam(r, "include_empty", false)

	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.storeError(w, "stats", err)
		return
	}

	users := map[string]*userSummary{}
	for userID, count := range stats.PerUser {
		users[userID] = &userSummary{UserID: userID, UndeliveredCount: count}
	}

	undeliveredUsers, err := s.store.DistinctUndeliveredUsers(r.Context())
	if err != nil {
		s.storeError(w, "distinct_undelivered_users", err)
		return
	}
	for _, userID := range undeliveredUsers {
		if _, ok := users[userID]; !ok {
			users[userID] = &userSummary{UserID: userID}
		}
	}

	// A user with only a subscription and no undelivered events is
	// still a known user; without this, include_empty=true would miss
	// them entirely since neither stats nor DistinctUndeliveredUsers
	// reads the subscriptions table.
	subscriptionUsers, err := s.store.DistinctSubscriptionUsers(r.Context())
	if err != nil {
		s.storeError(w, "distinct_subscription_users", err)
		return
	}
	for _, userID := range subscriptionUsers {
		if _, ok := users[userID]; !ok {
			users[userID] = &userSummary{UserID: userID}
		}
	}

	// Subscriptions are only discoverable per-user in the store, so a
	// listing endpoint has to enumerate users first, then look theirs
	// up; this is acceptable because the set of users is already small
	// relative to the events table.
	for userID, summary := range users {
		subs, err := s.store.ListSubscriptions(r.Context(), userID, false)
		if err != nil {
			s.storeError(w, "list_subscriptions", err)
			return
		}
		summary.SubscriptionCount = len(subs)
		for _, sub := range subs {
			if sub.Enabled {
				summary.EnabledSubscriptions++
			}
		}
	}

	result := make([]userSummary, 0, len(users))
	for _, summary := range users {
		if !includeEmpty && summary.UndeliveredCount == 0 && summary.SubscriptionCount == 0 {
			continue
		}
		result = append(result, *summary)
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, result, s.logger)
}
