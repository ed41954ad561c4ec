// Package socketserver implements the WebSocket half of the preview pair:
// the notification channel that tells connected browsers to reload.
package socketserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/previewd/previewd/internal/logger"
	"github.com/previewd/previewd/internal/ports"
)

// Server is the reload notification service. It is started with the same
// nominal port as the HTTP server but negotiates its own: the nominal port
// is already taken by the HTTP listener, so probing lands on the next free
// one.
type Server struct {
	mu               sync.Mutex
	hub              *Hub
	httpServer       *http.Server
	listener         net.Listener
	port             int
	path             string
	started          bool
	externalHostName string
	onConnected      func()
	log              *logger.Logger
}

// NewServer creates the reload channel server.
func NewServer() *Server {
	return &Server{
		log: logger.Global().WithPrefix("ws"),
	}
}

// OnConnected registers the callback fired once the server is listening.
// Must be set before Start.
func (s *Server) OnConnected(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnected = fn
}

// SetExternalHostName stores the externally resolvable address stamped into
// the greeting sent to newly connected browsers.
func (s *Server) SetExternalHostName(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.externalHostName = host
}

// Port returns the negotiated port, 0 before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Path returns the URL path the channel is reachable at.
func (s *Server) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Start probes for a free port at or above nominalPort on host, binds it,
// and begins accepting reload-channel connections.
func (s *Server) Start(ctx context.Context, host string, nominalPort int) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("websocket server already started")
	}
	s.mu.Unlock()

	port, err := ports.Find(ctx, host, nominalPort)
	if err != nil {
		return fmt.Errorf("failed to find a websocket port: %w", err)
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("failed to bind websocket server: %w", err)
	}

	hub := NewHub()
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)

	s.mu.Lock()
	s.hub = hub
	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port
	s.path = ""
	s.httpServer = &http.Server{
		Handler:     mux,
		ReadTimeout: 60 * time.Second,
	}
	s.started = true
	onConnected := s.onConnected
	httpServer := s.httpServer
	s.mu.Unlock()

	go hub.Run()
	go func() {
		s.log.Info("reload channel listening on %s", listener.Addr())
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("websocket server error: %v", err)
		}
	}()

	if onConnected != nil {
		onConnected()
	}
	return nil
}

// RefreshBrowsers broadcasts a reload command to every connected client.
func (s *Server) RefreshBrowsers() {
	s.mu.Lock()
	hub := s.hub
	s.mu.Unlock()

	if hub == nil {
		return
	}
	s.log.Debug("broadcasting reload")
	hub.Broadcast(&Message{Command: CommandReload})
}

// Close stops the server. Safe to call when not running and safe to call
// twice.
func (s *Server) Close() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	srv := s.httpServer
	hub := s.hub
	s.httpServer = nil
	s.hub = nil
	s.listener = nil
	s.mu.Unlock()

	hub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown websocket server: %w", err)
	}
	return nil
}

// handleWebSocket upgrades a connection and attaches it to the hub.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	hub := s.hub
	externalHost := s.externalHostName
	s.mu.Unlock()

	if hub == nil {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true // local development server
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("failed to upgrade websocket: %v", err)
		return
	}

	client := NewClient(hub, conn)

	// Greet the client with the address reload targets resolve to. Queued
	// before the hub can see the client, so a racing Stop cannot close the
	// send channel mid-send.
	client.send <- &Message{Command: CommandConnected, Host: externalHost}

	if !hub.Register(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}
