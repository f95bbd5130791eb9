// Package api implements the management HTTP API (C6): read/write
// access to events and subscriptions, plus an on-demand flush trigger.
// The API delegates to the store and flush engine and adds no business
// logic beyond input validation.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/arxiv/notifyd/internal/buildinfo"
	"github.com/arxiv/notifyd/internal/flush"
	"github.com/arxiv/notifyd/internal/notify"
	"github.com/arxiv/notifyd/internal/store"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Store is the subset of *store.Store the API depends on.
type Store interface {
	StoreEvent(ctx context.Context, e notify.Event) error
	GetUndeliveredEvents(ctx context.Context, filter store.EventFilter) ([]notify.Event, error)
	GetEvent(ctx context.Context, eventID string) (notify.Event, bool, error)
	DeleteEvents(ctx context.Context, eventIDs []string, userID string) (int, error)
	ClearEvents(ctx context.Context, userID string, beforeTimestamp time.Time) (int, error)
	Stats(ctx context.Context) (notify.Stats, error)
	DistinctUndeliveredUsers(ctx context.Context) ([]string, error)
	DistinctSubscriptionUsers(ctx context.Context) ([]string, error)
	ListSubscriptions(ctx context.Context, userID string, enabledOnly bool) ([]notify.Subscription, error)
	UpsertSubscription(ctx context.Context, sub notify.Subscription) (notify.Subscription, error)
	GetSubscription(ctx context.Context, subscriptionID string) (notify.Subscription, bool, error)
	DeleteSubscription(ctx context.Context, subscriptionID string) error
}

// Flusher is the subset of *flush.Engine the API depends on.
type Flusher interface {
	Flush(ctx context.Context, userID *string, dryRun, forceDelivery bool) (flush.Report, error)
}

// Server is the management HTTP API server.
type Server struct {
	address string
	port    int
	store   Store
	flusher Flusher
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, st Store, fl Flusher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{address: address, port: port, store: st, flusher: fl, logger: logger}
}

// Start begins serving HTTP requests, blocking until the listener
// returns. Call Shutdown from another goroutine to stop it.
func (s *Server) Start(ctx context.Context) error {
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

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.recoverPanics(s.withLogging(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting management API", "address", addr, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server, draining in-flight requests
// until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// recoverPanics converts a panic in any handler into a 500 response
// instead of tearing down the process, per the internal-error policy.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic handling request", "method", r.Method, "path", r.URL.Path, "panic", rec)
				s.errorResponse(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]string{"error": message}, s.logger)
}

// storeError maps a store error to an HTTP status: storage failures
// are 5xx, everything else (validation caught earlier) falls through
// as a 500 too since by this point input has already been validated.
func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("store operation failed", "op", op, "error", err)
	s.errorResponse(w, http.StatusInternalServerError, op+" failed")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

func parseBoolParam(r *http.Request, name string, defaultVal bool) bool {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}
