package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/pulseboard/pulseboard/internal/cache"
	"github.com/pulseboard/pulseboard/internal/schema"
)

// SnapshotFunc handles a snapshot pushed for a subscribed scope.
type SnapshotFunc func(snap *schema.Snapshot)

// Client is a hub subscriber. It implements the push-feed contract
// (Subscribe returns an unsubscribe func) and doubles as the cache
// layer's cross-context invalidation Bus.
type Client struct {
	conn   *websocket.Conn
	logger *log.Logger

	mu          sync.Mutex
	nextID      int
	snapshots   map[string]map[int]SnapshotFunc // scope -> handlers
	invalidates map[int]func(scope string)
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Dial connects to a hub at url (e.g. "ws://localhost:8080/ws") and
// starts the read loop. The caller MUST Close() on teardown so no
// handler keeps mutating state behind a destroyed consumer.
func Dial(ctx context.Context, url string, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Default()
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial hub %s: %w", url, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:        conn,
		logger:      logger,
		snapshots:   make(map[string]map[int]SnapshotFunc),
		invalidates: make(map[int]func(string)),
		ctx:         runCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	go c.readLoop()
	return c, nil
}

// Subscribe registers a snapshot handler for a scope and returns its
// unsubscribe function.
func (c *Client) Subscribe(scope string, fn SnapshotFunc) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	if c.snapshots[scope] == nil {
		c.snapshots[scope] = make(map[int]SnapshotFunc)
	}
	c.snapshots[scope][id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if handlers := c.snapshots[scope]; handlers != nil {
			delete(handlers, id)
			if len(handlers) == 0 {
				delete(c.snapshots, scope)
			}
		}
	}
}

// Publish broadcasts a cache invalidation for a scope through the hub.
// Part of the cache Bus contract.
func (c *Client) Publish(ctx context.Context, scope string) error {
	data, err := json.Marshal(Message{
		Type:      MessageTypeInvalidate,
		Scope:     scope,
		Timestamp: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal invalidation: %w", err)
	}

	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to publish invalidation for %s: %w", scope, err)
	}
	return nil
}

// SubscribeInvalidations registers a handler for incoming
// invalidations. Part of the cache Bus contract (cache.Bus.Subscribe).
func (c *Client) SubscribeInvalidations(fn func(scope string)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.invalidates[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.invalidates, id)
	}
}

// clientBus adapts the client to the cache layer's Bus contract,
// whose Subscribe is the invalidation one.
type clientBus struct {
	c *Client
}

func (b clientBus) Publish(ctx context.Context, scope string) error {
	return b.c.Publish(ctx, scope)
}

func (b clientBus) Subscribe(fn func(scope string)) func() {
	return b.c.SubscribeInvalidations(fn)
}

// Bus returns the client as a cache invalidation bus, so a websocket
// hub can substitute the in-memory bus without changing the cache
// contract.
func (c *Client) Bus() cache.Bus {
	return clientBus{c: c}
}

// readLoop dispatches incoming hub messages to registered handlers.
func (c *Client) readLoop() {
	defer close(c.done)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			select {
			case <-c.ctx.Done():
			default:
				c.logger.Printf("Hub connection lost: %v", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Printf("Ignoring malformed hub message: %v", err)
			continue
		}

		switch msg.Type {
		case MessageTypeSnapshot:
			c.dispatchSnapshot(&msg)
		case MessageTypeInvalidate:
			c.dispatchInvalidation(msg.Scope)
		case MessageTypeHello:
			// Greeting only.
		default:
			c.logger.Printf("Ignoring unknown hub message type %q", msg.Type)
		}
	}
}

// dispatchSnapshot decodes and fans a snapshot out to scope handlers.
func (c *Client) dispatchSnapshot(msg *Message) {
	var snap schema.Snapshot
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		c.logger.Printf("Ignoring malformed snapshot for %s: %v", msg.Scope, err)
		return
	}
	if snap.Scope == "" {
		snap.Scope = msg.Scope
	}

	c.mu.Lock()
	handlers := make([]SnapshotFunc, 0, len(c.snapshots[msg.Scope]))
	for _, fn := range c.snapshots[msg.Scope] {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(&snap)
	}
}

// dispatchInvalidation fans an invalidation out to bus handlers.
func (c *Client) dispatchInvalidation(scope string) {
	if scope == "" {
		return
	}

	c.mu.Lock()
	handlers := make([]func(string), 0, len(c.invalidates))
	for _, fn := range c.invalidates {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(scope)
	}
}

// Close tears the client down: the read loop stops, the connection
// closes, and all handlers are dropped.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.snapshots = make(map[string]map[int]SnapshotFunc)
	c.invalidates = make(map[int]func(string))
	c.mu.Unlock()

	c.cancel()
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	<-c.done
	if err != nil {
		return fmt.Errorf("failed to close hub connection: %w", err)
	}
	return nil
}
