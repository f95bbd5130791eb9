// Package store provides durable persistence for events and
// subscriptions backed by SQLite. It is the sole source of truth for
// "what has not yet been delivered": an event is undelivered iff it is
// present in the events table.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/arxiv/notifyd/internal/notify"
)

// ErrUnavailable wraps a backing-store I/O error. Callers test with
// errors.Is(err, store.ErrUnavailable).
var ErrUnavailable = errors.New("storage unavailable")

// timestampLayout stores timestamps as fixed-width UTC text (always nine
// fractional digits), so SQL string comparison and ORDER BY on the
// timestamp column follow chronological order.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists events and subscriptions. All public methods are safe
// for concurrent use; database/sql serializes writes against SQLite.
type Store struct {
	db *sql.DB
}

// Open creates a Store backed by the SQLite database at path, creating
// the schema if it does not already exist.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", ErrUnavailable, err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", ErrUnavailable, err)
	}
	return s, nil
}

// OpenWithDB wraps an existing *sql.DB, creating the schema if it does
// not already exist.
func OpenWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("%w: migrate: %v", ErrUnavailable, err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		event_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		message TEXT NOT NULL,
		sender TEXT NOT NULL,
		subject TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		metadata_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_user_timestamp ON events(user_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_user_type_timestamp ON events(user_id, event_type, timestamp);

	CREATE TABLE IF NOT EXISTS subscriptions (
		subscription_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		delivery_method TEXT NOT NULL,
		aggregation_frequency TEXT NOT NULL,
		aggregation_method TEXT NOT NULL,
		delivery_error_strategy TEXT NOT NULL,
		delivery_time TEXT,
		timezone TEXT,
		email_address TEXT,
		slack_webhook_url TEXT,
		aggregated_message_subject TEXT,
		enabled INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_user ON subscriptions(user_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// NewID generates a UUIDv7-based identifier, falling back to v4 if v7
// generation fails (e.g. on an unseeded clock source).
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// StoreEvent persists exactly one event keyed by event_id. If an event
// with that id already exists, the operation is idempotent: it returns
// success without modifying the existing record.
func (s *Store) StoreEvent(ctx context.Context, e notify.Event) error {
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, user_id, event_type, message, sender, subject, timestamp, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`, e.EventID, e.UserID, string(e.EventType), e.Message, e.Sender, e.Subject,
		e.Timestamp.UTC().Format(timestampLayout), string(metaJSON))
	if err != nil {
		return fmt.Errorf("%w: store_event: %v", ErrUnavailable, err)
	}
	return nil
}

// DeleteEvent removes exactly one event by id, returning whether it
// existed.
func (s *Store) DeleteEvent(ctx context.Context, eventID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE event_id = ?`, eventID)
	if err != nil {
		return false, fmt.Errorf("%w: delete_event: %v", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: delete_event rows affected: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

// EventFilter narrows GetUndeliveredEvents. A zero value matches
// everything.
type EventFilter struct {
	UserID    string
	EventType notify.EventType
	Limit     int // 0 means "all"
}

// GetUndeliveredEvents returns events currently in the store matching
// filter, ordered ascending by timestamp with ties broken by event_id.
func (s *Store) GetUndeliveredEvents(ctx context.Context, filter EventFilter) ([]notify.Event, error) {
	query := `SELECT event_id, user_id, event_type, message, sender, subject, timestamp, metadata_json FROM events WHERE 1=1`
	var args []any

	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, string(filter.EventType))
	}
	query += ` ORDER BY timestamp ASC, event_id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: get_undelivered_events: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var events []notify.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan event: %v", ErrUnavailable, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: get_undelivered_events: %v", ErrUnavailable, err)
	}
	return events, nil
}

// GetEvent retrieves a single event by id. Returns (Event{}, false, nil)
// if it does not exist.
func (s *Store) GetEvent(ctx context.Context, eventID string) (notify.Event, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, user_id, event_type, message, sender, subject, timestamp, metadata_json
		FROM events WHERE event_id = ?`, eventID)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return notify.Event{}, false, nil
	}
	if err != nil {
		return notify.Event{}, false, fmt.Errorf("%w: get_event: %v", ErrUnavailable, err)
	}
	return e, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (notify.Event, error) {
	var e notify.Event
	var eventType, ts string
	var metaJSON sql.NullString

	if err := row.Scan(&e.EventID, &e.UserID, &eventType, &e.Message, &e.Sender, &e.Subject, &ts, &metaJSON); err != nil {
		return notify.Event{}, err
	}

	e.EventType = notify.EventType(eventType)
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return notify.Event{}, fmt.Errorf("parse timestamp %q: %w", ts, err)
	}
	e.Timestamp = parsed

	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &e.Metadata); err != nil {
			return notify.Event{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return e, nil
}

// ClearEvents removes every event matching userID with timestamp <=
// beforeTimestamp. Returns the count cleared. Runs in an explicit
// transaction so it is atomic with respect to concurrent StoreEvent
// calls for the same user: an event whose timestamp is strictly
// greater than beforeTimestamp is never removed by this call.
func (s *Store) ClearEvents(ctx context.Context, userID string, beforeTimestamp time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: clear_events begin: %v", ErrUnavailable, err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		DELETE FROM events WHERE user_id = ? AND timestamp <= ?
	`, userID, beforeTimestamp.UTC().Format(timestampLayout))
	if err != nil {
		return 0, fmt.Errorf("%w: clear_events: %v", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: clear_events rows affected: %v", ErrUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: clear_events commit: %v", ErrUnavailable, err)
	}
	return int(n), nil
}

// DeleteEvents removes events matching eventIDs, or all events for
// userID if eventIDs is empty. Returns the count deleted.
func (s *Store) DeleteEvents(ctx context.Context, eventIDs []string, userID string) (int, error) {
	if len(eventIDs) == 0 && userID == "" {
		return 0, fmt.Errorf("delete_events: at least one of event_ids or user_id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: delete_events begin: %v", ErrUnavailable, err)
	}
	defer tx.Rollback() //nolint:errcheck

	total := 0
	if len(eventIDs) > 0 {
		for _, id := range eventIDs {
			res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE event_id = ?`, id)
			if err != nil {
				return 0, fmt.Errorf("%w: delete_events: %v", ErrUnavailable, err)
			}
			n, _ := res.RowsAffected()
			total += int(n)
		}
	} else {
		res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE user_id = ?`, userID)
		if err != nil {
			return 0, fmt.Errorf("%w: delete_events: %v", ErrUnavailable, err)
		}
		n, _ := res.RowsAffected()
		total = int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: delete_events commit: %v", ErrUnavailable, err)
	}
	return total, nil
}

// Stats returns {users-with-undelivered, total-undelivered, per-user
// counts, per-type counts} derived by scan.
func (s *Store) Stats(ctx context.Context) (notify.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, event_type FROM events`)
	if err != nil {
		return notify.Stats{}, fmt.Errorf("%w: stats: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	stats := notify.Stats{PerUser: map[string]int{}, PerType: map[string]int{}}
	for rows.Next() {
		var userID, eventType string
		if err := rows.Scan(&userID, &eventType); err != nil {
			return notify.Stats{}, fmt.Errorf("%w: stats scan: %v", ErrUnavailable, err)
		}
		stats.PerUser[userID]++
		stats.PerType[eventType]++
		stats.TotalUndelivered++
	}
	if err := rows.Err(); err != nil {
		return notify.Stats{}, fmt.Errorf("%w: stats: %v", ErrUnavailable, err)
	}
	stats.UsersWithUndelivered = len(stats.PerUser)
	return stats, nil
}

// DistinctUndeliveredUsers returns the set of user ids with at least
// one event currently in the store.
func (s *Store) DistinctUndeliveredUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM events`)
	if err != nil {
		return nil, fmt.Errorf("%w: distinct users: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("%w: distinct users scan: %v", ErrUnavailable, err)
		}
		users = append(users, u)
	}
	sort.Strings(users)
	return users, rows.Err()
}

// DistinctSubscriptionUsers returns the set of user ids with at least
// one subscription on file, regardless of whether they currently have
// any undelivered events.
func (s *Store) DistinctSubscriptionUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM subscriptions`)
	if err != nil {
		return nil, fmt.Errorf("%w: distinct subscription users: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("%w: distinct subscription users scan: %v", ErrUnavailable, err)
		}
		users = append(users, u)
	}
	sort.Strings(users)
	return users, rows.Err()
}

// UpsertSubscription creates or replaces a subscription. If
// SubscriptionID is empty, a new id is generated.
func (s *Store) UpsertSubscription(ctx context.Context, sub notify.Subscription) (notify.Subscription, error) {
	if sub.SubscriptionID == "" {
		sub.SubscriptionID = NewID()
	}
	enabled := 0
	if sub.Enabled {
		enabled = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (
			subscription_id, user_id, delivery_method, aggregation_frequency, aggregation_method,
			delivery_error_strategy, delivery_time, timezone, email_address, slack_webhook_url,
			aggregated_message_subject, enabled
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(subscription_id) DO UPDATE SET
			user_id = excluded.user_id,
			delivery_method = excluded.delivery_method,
			aggregation_frequency = excluded.aggregation_frequency,
			aggregation_method = excluded.aggregation_method,
			delivery_error_strategy = excluded.delivery_error_strategy,
			delivery_time = excluded.delivery_time,
			timezone = excluded.timezone,
			email_address = excluded.email_address,
			slack_webhook_url = excluded.slack_webhook_url,
			aggregated_message_subject = excluded.aggregated_message_subject,
			enabled = excluded.enabled
	`, sub.SubscriptionID, sub.UserID, string(sub.DeliveryMethod), string(sub.AggregationFrequency),
		string(sub.AggregationMethod), string(sub.DeliveryErrorStrategy), sub.DeliveryTime, sub.Timezone,
		sub.EmailAddress, sub.SlackWebhookURL, sub.AggregatedMessageSubject, enabled)
	if err != nil {
		return notify.Subscription{}, fmt.Errorf("%w: upsert_subscription: %v", ErrUnavailable, err)
	}
	return sub, nil
}

// DeleteSubscription removes a subscription by id. Deletion of a
// missing id is a no-op success.
func (s *Store) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE subscription_id = ?`, subscriptionID)
	if err != nil {
		return fmt.Errorf("%w: delete_subscription: %v", ErrUnavailable, err)
	}
	return nil
}

// GetSubscription retrieves a single subscription by id.
func (s *Store) GetSubscription(ctx context.Context, subscriptionID string) (notify.Subscription, bool, error) {
	row := s.db.QueryRowContext(ctx, subscriptionSelect+` WHERE subscription_id = ?`, subscriptionID)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return notify.Subscription{}, false, nil
	}
	if err != nil {
		return notify.Subscription{}, false, fmt.Errorf("%w: get_subscription: %v", ErrUnavailable, err)
	}
	return sub, true, nil
}

const subscriptionSelect = `SELECT subscription_id, user_id, delivery_method, aggregation_frequency,
	aggregation_method, delivery_error_strategy, delivery_time, timezone, email_address,
	slack_webhook_url, aggregated_message_subject, enabled FROM subscriptions`

// ListSubscriptions returns all subscriptions, optionally filtered by
// user. If enabledOnly is true, disabled subscriptions are excluded —
// used by the flush engine and ingestion processor, which treat a
// disabled subscription as if it did not exist.
func (s *Store) ListSubscriptions(ctx context.Context, userID string, enabledOnly bool) ([]notify.Subscription, error) {
	query := subscriptionSelect + ` WHERE 1=1`
	var args []any
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	if enabledOnly {
		query += ` AND enabled = 1`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list_subscriptions: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var subs []notify.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan subscription: %v", ErrUnavailable, err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func scanSubscription(row rowScanner) (notify.Subscription, error) {
	var sub notify.Subscription
	var deliveryMethod, freq, method, strategy string
	var deliveryTime, timezone, email, webhook, subject sql.NullString
	var enabled int

	if err := row.Scan(&sub.SubscriptionID, &sub.UserID, &deliveryMethod, &freq, &method, &strategy,
		&deliveryTime, &timezone, &email, &webhook, &subject, &enabled); err != nil {
		return notify.Subscription{}, err
	}

	sub.DeliveryMethod = notify.DeliveryMethod(deliveryMethod)
	sub.AggregationFrequency = notify.AggregationFrequency(freq)
	sub.AggregationMethod = notify.AggregationMethod(method)
	sub.DeliveryErrorStrategy = notify.DeliveryErrorStrategy(strategy)
	sub.DeliveryTime = deliveryTime.String
	sub.Timezone = timezone.String
	sub.EmailAddress = email.String
	sub.SlackWebhookURL = webhook.String
	sub.AggregatedMessageSubject = subject.String
	sub.Enabled = enabled != 0
	return sub, nil
}
