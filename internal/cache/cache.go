// Package cache provides the TTL-keyed read-through cache shared by
// the sync engine and the attendance state machine.
//
// Entries persist in the store so they survive a reload of the same
// context, and invalidation is broadcast over a pluggable Bus so
// independent contexts (other processes, other tabs behind a hub)
// observe it too. On a failed refetch the cache serves the last good
// value, flagged stale, while propagating the error.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pulseboard/pulseboard/internal/schema"
	"github.com/pulseboard/pulseboard/internal/store"
)

// ErrStale marks a Read that served a last-known-good value after a
// failed refetch. The returned value is usable; callers branch on this
// to surface a non-fatal warning.
var ErrStale = errors.New("serving stale value")

// FetchFunc loads a scope's value from the backend.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Config holds cache configuration.
type Config struct {
	// TTL is how long a fetched entry stays fresh (default 60s).
	TTL time.Duration

	// Now is the clock source, overridable in tests.
	Now func() time.Time

	// Logger for cache activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		TTL:    60 * time.Second,
		Now:    time.Now,
		Logger: log.New(os.Stderr, "[cache] ", log.LstdFlags),
	}
}

// Cache is the read-through TTL cache.
type Cache struct {
	store  *store.Store
	bus    Bus
	ttl    time.Duration
	now    func() time.Time
	logger *log.Logger
	unsub  func()
}

// New creates a cache over the given store. bus may be nil for a
// purely local cache; when set, the cache expires scopes named by
// incoming bus invalidations and publishes its own.
func New(st *store.Store, bus Bus, config *Config) (*Cache, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.TTL <= 0 {
		config.TTL = 60 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}

	c := &Cache{
		store:  st,
		bus:    bus,
		ttl:    config.TTL,
		now:    config.Now,
		logger: config.Logger,
	}

	if bus != nil {
		c.unsub = bus.Subscribe(c.onInvalidation)
	}

	return c, nil
}

// onInvalidation expires a scope named by a bus broadcast.
func (c *Cache) onInvalidation(scope string) {
	if err := c.store.MarkCacheStale(context.Background(), scope); err != nil {
		c.logger.Printf("Warning: failed to expire scope %s: %v", scope, err)
		return
	}
	c.logger.Printf("Scope %s expired by broadcast", scope)
}

// Read returns the value for a scope.
//
// A fresh entry is served with zero fetches. Otherwise fetch runs
// exactly once: on success the entry is replaced and unflagged; on
// failure the last-known-good value is kept, marked stale, and
// returned alongside the error so the caller can both display data
// and surface a non-fatal warning.
func (c *Cache) Read(ctx context.Context, scope string, fetch FetchFunc) ([]byte, error) {
	entry, err := c.store.GetCacheEntry(ctx, scope)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("cache read %s: %w", scope, err)
	}

	if entry != nil && entry.Fresh(c.now()) {
		return entry.Value, nil
	}

	value, fetchErr := fetch(ctx)
	if fetchErr != nil {
		if entry == nil {
			return nil, fmt.Errorf("cache read %s: %w", scope, fetchErr)
		}
		if err := c.store.MarkCacheStale(ctx, scope); err != nil {
			c.logger.Printf("Warning: failed to mark %s stale: %v", scope, err)
		}
		c.logger.Printf("Serving stale value for %s: %v", scope, fetchErr)
		return entry.Value, fmt.Errorf("cache read %s: %w: %w", scope, ErrStale, fetchErr)
	}

	fresh := &schema.CacheEntry{
		Scope:     scope,
		Value:     value,
		FetchedAt: c.now(),
		TTL:       c.ttl,
		Stale:     false,
	}
	if err := c.store.PutCacheEntry(ctx, fresh); err != nil {
		c.logger.Printf("Warning: failed to store entry for %s: %v", scope, err)
	}

	return value, nil
}

// Invalidate expires a scope locally and broadcasts the invalidation
// to other contexts. Called after any local mutation affecting the
// scope.
func (c *Cache) Invalidate(ctx context.Context, scope string) error {
	if err := c.store.MarkCacheStale(ctx, scope); err != nil {
		return fmt.Errorf("invalidate %s: %w", scope, err)
	}

	if c.bus != nil {
		if err := c.bus.Publish(ctx, scope); err != nil {
			// Local expiry already happened; the broadcast is best
			// effort and other contexts fall back to TTL expiry.
			c.logger.Printf("Warning: failed to broadcast invalidation for %s: %v", scope, err)
		}
	}

	return nil
}

// MarkAllSuspect expires every cached scope. A context regaining
// focus after being hidden past TTL calls this so its next reads
// refetch.
func (c *Cache) MarkAllSuspect(ctx context.Context) error {
	return c.store.MarkAllCacheStale(ctx)
}

// Close unsubscribes from the invalidation bus.
func (c *Cache) Close() error {
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
	return nil
}
