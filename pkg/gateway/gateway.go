// Package gateway exposes a websocket event stream for operators:
// queue activity, invocation progress, and session lifecycle events are
// broadcast to every connected client.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// EventMessage is one server-initiated event on the stream.
type EventMessage struct {
	Event     string      `json:"event"`
	Key       string      `json:"key,omitempty"`
	Seq       int64       `json:"seq"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Config holds gateway configuration.
type Config struct {
	Port         int
	SharedSecret string
}

// Server serves the websocket event stream.
type Server struct {
	port         int
	sharedSecret string
	server       *http.Server
	upgrader     websocket.Upgrader
	logger       zerolog.Logger

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
	seq       atomic.Int64
}

// NewServer creates an event gateway.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}

	return &Server{
		port:         cfg.Port,
		sharedSecret: cfg.SharedSecret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger:  log.With().Str("component", "gateway").Logger(),
		clients: make(map[*client]struct{}),
	}, nil
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server failed")
		}
	}()

	s.logger.Info().Int("port", s.port).Msg("Gateway listening")
	return nil
}

// Stop shuts the server down and disconnects all clients.
func (s *Server) Stop(ctx context.Context) error {
	s.clientsMu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.clients = make(map[*client]struct{})
	s.clientsMu.Unlock()

	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Broadcast delivers an event to every connected client. Marshal and
// per-client write failures are logged, never surfaced to the caller.
func (s *Server) Broadcast(event, key string, data interface{}) {
	msg := EventMessage{
		Event:     event,
		Key:       key,
		Seq:       s.seq.Add(1),
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("Failed to marshal event")
		return
	}

	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		if err := c.send(payload); err != nil {
			s.logger.Warn().Err(err).Str("event", event).Msg("Dropping unwritable client")
			s.removeClient(c)
		}
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if token == "" {
		token = "Bearer " + r.URL.Query().Get("token")
	}
	expected := "Bearer " + s.sharedSecret
	if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	c := &client{conn: conn}
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()

	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("Gateway client connected")

	// Drain the read side so close frames and pings are processed; the
	// stream is server-to-client only.
	go func() {
		defer s.removeClient(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		c.conn.Close()
	}
	s.clientsMu.Unlock()
}
