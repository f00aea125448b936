package cache

import (
	"context"
	"sync"
)

// Bus is the cross-context invalidation channel. A browser client
// backs it with a storage-event bridge, the Go daemon backs it with
// the websocket hub; tests use MemoryBus. The cache contract doesn't
// change across transports.
type Bus interface {
	// Publish broadcasts an invalidation for the scope.
	Publish(ctx context.Context, scope string) error

	// Subscribe registers a handler for incoming invalidations and
	// returns its unsubscribe function. Handlers must be unsubscribed
	// on teardown.
	Subscribe(fn func(scope string)) (unsubscribe func())
}

// MemoryBus is an in-process Bus implementation.
type MemoryBus struct {
	mu   sync.Mutex
	next int
	subs map[int]func(scope string)
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]func(scope string))}
}

// Publish delivers the scope to every subscriber synchronously.
func (b *MemoryBus) Publish(ctx context.Context, scope string) error {
	b.mu.Lock()
	handlers := make([]func(string), 0, len(b.subs))
	for _, fn := range b.subs {
		handlers = append(handlers, fn)
	}
	b.mu.Unlock()

	for _, fn := range handlers {
		fn(scope)
	}
	return nil
}

// Subscribe registers a handler.
func (b *MemoryBus) Subscribe(fn func(scope string)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
