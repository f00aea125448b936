package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pulseboard/pulseboard/internal/schema"
)

// GetCacheEntry retrieves the cached value for a scope.
// Returns ErrNotFound if the scope has never been fetched.
func (s *Store) GetCacheEntry(ctx context.Context, scope string) (*schema.CacheEntry, error) {
	query := `SELECT scope, value, fetched_at, ttl_ms, stale FROM cache_entries WHERE scope = ?`

	var e schema.CacheEntry
	var fetchedAt string
	var ttlMs int64
	var stale int

	err := s.conn.QueryRowContext(ctx, query, scope).Scan(&e.Scope, &e.Value, &fetchedAt, &ttlMs, &stale)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("cache scope %s: %w", scope, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry %s: %w", scope, err)
	}

	if t, err := time.Parse(time.RFC3339Nano, fetchedAt); err == nil {
		e.FetchedAt = t
	}
	e.TTL = time.Duration(ttlMs) * time.Millisecond
	e.Stale = stale != 0

	return &e, nil
}

// PutCacheEntry replaces the entry for a scope after a successful fetch.
func (s *Store) PutCacheEntry(ctx context.Context, e *schema.CacheEntry) error {
	query := `
	INSERT INTO cache_entries (scope, value, fetched_at, ttl_ms, stale)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(scope) DO UPDATE SET
		value = excluded.value,
		fetched_at = excluded.fetched_at,
		ttl_ms = excluded.ttl_ms,
		stale = excluded.stale
	`

	stale := 0
	if e.Stale {
		stale = 1
	}

	_, err := s.conn.ExecContext(ctx, query,
		e.Scope,
		e.Value,
		e.FetchedAt.Format(time.RFC3339Nano),
		e.TTL.Milliseconds(),
		stale,
	)
	if err != nil {
		return fmt.Errorf("failed to put cache entry %s: %w", e.Scope, err)
	}
	return nil
}

// MarkCacheStale flags a scope's entry as stale without discarding the
// last-known-good value. No-op if the scope is not cached.
func (s *Store) MarkCacheStale(ctx context.Context, scope string) error {
	_, err := s.conn.ExecContext(ctx, `UPDATE cache_entries SET stale = 1 WHERE scope = ?`, scope)
	if err != nil {
		return fmt.Errorf("failed to mark cache stale %s: %w", scope, err)
	}
	return nil
}

// MarkAllCacheStale flags every entry stale. Used when a context
// regains visibility after possibly missing invalidations.
func (s *Store) MarkAllCacheStale(ctx context.Context) error {
	_, err := s.conn.ExecContext(ctx, `UPDATE cache_entries SET stale = 1`)
	if err != nil {
		return fmt.Errorf("failed to mark all cache stale: %w", err)
	}
	return nil
}

// DeleteCacheEntry removes a scope's entry entirely. Idempotent.
func (s *Store) DeleteCacheEntry(ctx context.Context, scope string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM cache_entries WHERE scope = ?`, scope)
	if err != nil {
		return fmt.Errorf("failed to delete cache entry %s: %w", scope, err)
	}
	return nil
}
