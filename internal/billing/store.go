package billing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS billing_events (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	request_id      TEXT NOT NULL,
	metadata        TEXT NOT NULL,
	status          TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	sent_at         INTEGER
);
CREATE INDEX IF NOT EXISTS idx_billing_events_deliverable
	ON billing_events (status, next_attempt_at);
`

// Store persists billing events in SQLite. The event ID is the primary key,
// so re-inserting an already recorded event is a no-op and recording stays
// idempotent across process restarts.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the event database at path. Use ":memory:"
// for tests.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("billing: open %s: %w", path, err)
	}
	// SQLite handles one writer at a time; serialize access in the pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("billing: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert persists a pending event. Duplicate IDs are ignored.
func (s *Store) Insert(ctx context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	md, err := marshalMetadata(e.Metadata)
	if err != nil {
		return fmt.Errorf("billing: marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO billing_events
			(id, name, user_id, request_id, metadata, status, attempts, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		e.ID, e.Name, e.UserID, e.RequestID, string(md), StatusPending, e.Attempts,
		e.CreatedAt.UnixMilli(), e.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("billing: insert event %s: %w", e.ID, err)
	}
	return nil
}

// SelectDeliverable returns up to limit events due for delivery: pending or
// errored events whose backoff has elapsed and whose attempt count is below
// maxAttempts. Events stuck in processing longer than a minute are treated
// as abandoned by a crashed deliverer and picked up again.
func (s *Store) SelectDeliverable(ctx context.Context, now time.Time, maxAttempts, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, user_id, request_id, metadata, status, attempts, created_at, updated_at, sent_at
		FROM billing_events
		WHERE attempts < ?
		  AND next_attempt_at <= ?
		  AND (status IN (?, ?) OR (status = ? AND updated_at <= ?))
		ORDER BY created_at
		LIMIT ?`,
		maxAttempts, now.UnixMilli(),
		StatusPending, StatusError,
		StatusProcessing, now.Add(-time.Minute).UnixMilli(),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("billing: select deliverable: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e         Event
			md        string
			createdAt int64
			updatedAt int64
			sentAt    sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.Name, &e.UserID, &e.RequestID, &md, &e.Status, &e.Attempts, &createdAt, &updatedAt, &sentAt); err != nil {
			return nil, fmt.Errorf("billing: scan event: %w", err)
		}
		e.Metadata, err = unmarshalMetadata([]byte(md))
		if err != nil {
			return nil, fmt.Errorf("billing: decode metadata for %s: %w", e.ID, err)
		}
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		e.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		if sentAt.Valid {
			e.SentAt = time.UnixMilli(sentAt.Int64).UTC()
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkProcessing claims an event before a delivery attempt.
func (s *Store) MarkProcessing(ctx context.Context, id string, now time.Time) error {
	return s.setStatus(ctx, id, StatusProcessing, now, 0)
}

// MarkSent finalizes a delivered event. Attempts is bumped to count the
// successful try.
func (s *Store) MarkSent(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE billing_events
		SET status = ?, attempts = attempts + 1, updated_at = ?, sent_at = ?
		WHERE id = ?`,
		StatusSent, now.UnixMilli(), now.UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("billing: mark sent %s: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed delivery attempt and schedules the retry at
// nextAttempt.
func (s *Store) MarkFailed(ctx context.Context, id string, now, nextAttempt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE billing_events
		SET status = ?, attempts = attempts + 1, updated_at = ?, next_attempt_at = ?
		WHERE id = ?`,
		StatusError, now.UnixMilli(), nextAttempt.UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("billing: mark failed %s: %w", id, err)
	}
	return nil
}

// CountByStatus returns event counts keyed by status, for metrics and the
// readiness probe.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM billing_events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("billing: count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("billing: scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *Store) setStatus(ctx context.Context, id, status string, now time.Time, nextAttempt int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE billing_events
		SET status = ?, updated_at = ?, next_attempt_at = ?
		WHERE id = ?`,
		status, now.UnixMilli(), nextAttempt, id,
	)
	if err != nil {
		return fmt.Errorf("billing: update %s to %s: %w", id, status, err)
	}
	return nil
}
