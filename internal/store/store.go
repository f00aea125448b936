// Package store provides the local persistent keyspace for the
// pulseboard sync core.
//
// The store is an embedded SQLite database (WAL mode) holding
// everything that must survive a restart of the same context:
// attendance records, the pending-mutation journal, daily log
// candidates, per-day idempotency flags, sweep bookkeeping, monthly
// attendance aggregates, and cache entries.
//
// All uniqueness invariants live here as primary keys:
//   - attendance: (username, date)
//   - daily_log: source_task_id
//   - notify_flags: (username, date)
//   - sweep_runs: date
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a keyed lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite connection with pulseboard-specific queries.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates or opens the store database at the given path.
//
// The database is opened in embedded mode with WAL for concurrent
// reads; the sweep daemon and interactive writers share one file.
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates all tables and indexes if they don't exist.
// Idempotent - safe to call on every startup.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS attendance (
		username TEXT NOT NULL,
		date TEXT NOT NULL,
		status TEXT NOT NULL,
		clock_in TEXT,
		clock_out TEXT,
		work_type TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		edited_by TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		PRIMARY KEY (username, date)
	);

	CREATE TABLE IF NOT EXISTS month_stats (
		username TEXT NOT NULL,
		month TEXT NOT NULL,  -- "2006-01"
		counted INTEGER NOT NULL DEFAULT 0,
		total INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (username, month)
	);

	CREATE TABLE IF NOT EXISTS pending_mutations (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		issued_at TEXT NOT NULL,
		state TEXT NOT NULL,
		payload TEXT  -- JSON task, NULL for deletes
	);

	CREATE TABLE IF NOT EXISTS daily_log (
		source_task_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		date TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		enqueued_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS notify_flags (
		username TEXT NOT NULL,
		date TEXT NOT NULL,
		sent_at TEXT NOT NULL,
		PRIMARY KEY (username, date)
	);

	CREATE TABLE IF NOT EXISTS sweep_runs (
		date TEXT PRIMARY KEY,
		completed_at TEXT NOT NULL,
		marked INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS cache_entries (
		scope TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		fetched_at TEXT NOT NULL,
		ttl_ms INTEGER NOT NULL,
		stale INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_attendance_date ON attendance(date);
	CREATE INDEX IF NOT EXISTS idx_attendance_status ON attendance(status);
	CREATE INDEX IF NOT EXISTS idx_daily_log_user_date ON daily_log(username, date);
	CREATE INDEX IF NOT EXISTS idx_mutations_task ON pending_mutations(task_id);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.Format(time.RFC3339Nano), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
