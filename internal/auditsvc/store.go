// Package auditsvc implements the Audit stage: a transactional SQLite sink
// for every validated event and every emitted metric, plus the event→metric
// trace, fed by two independent broker consumers.
//
// The store shape (sql.Open + WAL pragma + small typed wrapper methods)
// keeps the database layer a thin, transaction-per-call wrapper rather than
// an ORM, using the pure-Go modernc.org/sqlite driver so the binary stays
// CGo-free.
package auditsvc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// PoisonError marks an ingestion failure that can never succeed on retry —
// missing required fields or undecodable JSON. The caller acks and drops
// instead of nacking.
type PoisonError struct {
	Reason string
}

func (e *PoisonError) Error() string { return e.Reason }

// Store owns the single-writer SQLite database backing events_in,
// metrics_out and trace.
type Store struct {
	db *sql.DB
}

// dsnPragmas are applied on every connection modernc.org/sqlite opens, not
// just the first — foreign_keys and busy_timeout are per-connection
// settings that reset on a fresh pooled connection, so a one-off db.Exec
// after Open cannot guarantee they hold for whichever connection later
// runs InsertMetric.
const dsnPragmas = "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

// Open connects to the database at path and creates the schema if absent.
// The pool is capped at one connection: the store is a single-writer per
// process, and capping the pool serializes the event and metric consumer
// goroutines onto the same connection instead of racing two connections
// against SQLITE_BUSY.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+dsnPragmas)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events_in (
			event_id       TEXT PRIMARY KEY,
			timestamp      TEXT NOT NULL,
			region         TEXT NOT NULL,
			source         TEXT NOT NULL,
			schema_version TEXT,
			correlation_id TEXT,
			payload_json   TEXT,
			run_id         TEXT NOT NULL,
			inserted_at    TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS metrics_out (
			metric_id    TEXT PRIMARY KEY,
			date         TEXT NOT NULL,
			region       TEXT NOT NULL,
			run_id       TEXT NOT NULL,
			metrics_json TEXT NOT NULL,
			created_at   TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trace (
			event_id          TEXT NOT NULL,
			metric_id         TEXT NOT NULL,
			contribution_type TEXT NOT NULL,
			PRIMARY KEY (event_id, metric_id),
			FOREIGN KEY (event_id) REFERENCES events_in(event_id),
			FOREIGN KEY (metric_id) REFERENCES metrics_out(metric_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// EventRecord is the decoded form of one events_in row, built by the caller
// from the wire envelope before InsertEvent is called.
type EventRecord struct {
	EventID       string
	Timestamp     string
	Region        string
	Source        string
	SchemaVersion string
	CorrelationID string
	PayloadJSON   string
	RunID         string
	InsertedAt    string
}

// InsertEvent runs INSERT OR IGNORE INTO events_in in its own transaction.
// A duplicate event_id is silently ignored — idempotent by construction.
func (s *Store) InsertEvent(ctx context.Context, r EventRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO events_in
			(event_id, timestamp, region, source, schema_version, correlation_id, payload_json, run_id, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.EventID, r.Timestamp, r.Region, r.Source, r.SchemaVersion, r.CorrelationID, r.PayloadJSON, r.RunID, r.InsertedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return tx.Commit()
}

// MetricRecord is the decoded form of one metrics_out row plus its lineage.
type MetricRecord struct {
	MetricID      string
	Date          string
	Region        string
	RunID         string
	MetricsJSON   string
	CreatedAt     string
	InputEventIDs []string
}

// InsertMetric runs, within one transaction:
//  1. INSERT INTO metrics_out ... ON CONFLICT(metric_id) DO UPDATE — a
//     resend overwrites the existing row in place.
//  2. For every input event_id, INSERT OR IGNORE INTO trace.
//
// If any input event_id has no matching events_in row, the FK constraint
// rejects the trace insert and the whole transaction rolls back — the
// caller must nack(requeue=true) on this error so the broker redelivers
// once the event writer has caught up.
func (s *Store) InsertMetric(ctx context.Context, r MetricRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO metrics_out (metric_id, date, region, run_id, metrics_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(metric_id) DO UPDATE SET
			date = excluded.date, region = excluded.region, run_id = excluded.run_id,
			metrics_json = excluded.metrics_json, created_at = excluded.created_at`,
		r.MetricID, r.Date, r.Region, r.RunID, r.MetricsJSON, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}

	for _, eventID := range r.InputEventIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO trace (event_id, metric_id, contribution_type)
			VALUES (?, ?, 'window_member')`, eventID, r.MetricID,
		); err != nil {
			return fmt.Errorf("insert trace for event %s: %w", eventID, err)
		}
	}
	return tx.Commit()
}

// IsConsistencyError reports whether err is a non-nil error other than a
// context cancellation or deadline. It does not inspect the error further,
// so it does not tell SQLite operational/integrity failures apart from any
// other error.
func IsConsistencyError(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
