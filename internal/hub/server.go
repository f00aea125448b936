// Package hub provides the real-time WebSocket channel between the
// server-of-record and browsing contexts.
//
// The hub carries two kinds of traffic on one connection: entity
// snapshots pushed per scope (the push feed the sync engine consumes)
// and cache invalidation signals relayed between contexts. Ordering is
// preserved per scope only; consumers must not assume cross-scope
// ordering.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// MessageType defines the kind of hub message.
type MessageType string

const (
	// MessageTypeSnapshot carries a per-scope entity snapshot.
	MessageTypeSnapshot MessageType = "snapshot"

	// MessageTypeInvalidate carries a cache invalidation for a scope.
	MessageTypeInvalidate MessageType = "invalidate"

	// MessageTypeHello is the greeting sent to new connections.
	MessageTypeHello MessageType = "hello"
)

// Message is the hub wire envelope.
type Message struct {
	Type      MessageType     `json:"type"`
	Scope     string          `json:"scope,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Config holds server configuration.
type Config struct {
	// Port to listen on (0 picks a random free port).
	Port int

	// Logger for server activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   8080,
		Logger: log.Default(),
	}
}

// Server manages WebSocket connections and relays hub messages.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a hub server.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins listening and serving WebSocket clients.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Hub listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the hub down.
func (s *Server) Stop() error {
	s.logger.Println("Stopping hub")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "hub shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	// Start may have failed before s.server existed.
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("hub shutdown error: %w", err)
		}
	}

	s.wg.Wait()

	s.logger.Println("Hub stopped")
	return nil
}

// PushSnapshot broadcasts an entity snapshot for a scope.
func (s *Server) PushSnapshot(scope string, data json.RawMessage) {
	s.enqueue(Message{Type: MessageTypeSnapshot, Scope: scope, Data: data})
}

// PushInvalidation broadcasts a cache invalidation for a scope.
func (s *Server) PushInvalidation(scope string) {
	s.enqueue(Message{Type: MessageTypeInvalidate, Scope: scope})
}

// enqueue hands a message to the broadcast loop without blocking.
func (s *Server) enqueue(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// broadcastLoop fans messages out to all connected clients.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Write outside the read lock; a slow client is dropped
			// rather than allowed to stall the loop.
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades HTTP connections and registers the client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)

	hello, _ := json.Marshal(Message{Type: MessageTypeHello, Timestamp: time.Now()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = conn.Write(ctx, websocket.MessageText, hello)
	cancel()

	go s.readLoop(conn)
}

// readLoop consumes client messages. Clients may publish invalidation
// messages, which are relayed to every connected context.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Printf("Ignoring malformed client message: %v", err)
			continue
		}

		if msg.Type == MessageTypeInvalidate && msg.Scope != "" {
			s.PushInvalidation(msg.Scope)
		}
	}
}

// removeClient safely removes a client connection.
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// handleHealth returns hub health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": clientCount,
	})
}

// Addr returns the hub's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
