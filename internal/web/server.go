// Package web implements the HTTP side of the preview pair: it serves
// workspace files and remembers which ones it handed to a browser.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/previewd/previewd/internal/logger"
)

// Server serves files from a root directory. It tracks every file it has
// transmitted so the reload policy can filter per-file change events, and
// carries the externally resolvable WebSocket URI that reload-capable
// clients are pointed at.
type Server struct {
	mu            sync.Mutex
	root          string
	httpServer    *http.Server
	listener      net.Listener
	port          int
	started       bool
	servedFiles   map[string]bool
	externalWSURI string
	onConnected   func(port int)
	log           *logger.Logger
}

// NewServer creates an HTTP preview server rooted at root.
func NewServer(root string) *Server {
	return &Server{
		root:        root,
		servedFiles: make(map[string]bool),
		log:         logger.Global().WithPrefix("http"),
	}
}

// OnConnected registers the callback fired once the server is actually
// listening, carrying the bound port. Must be set before Start.
func (s *Server) OnConnected(fn func(port int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnected = fn
}

// SetExternalWSURI stores the client-resolvable WebSocket address. Served
// pages can discover it through the X-Previewd-WS response header.
func (s *Server) SetExternalWSURI(wsURI string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.externalWSURI = wsURI
}

// Start binds (host, port) and begins serving. The connected callback fires
// after the listener is up. Returns the bind error unchanged so the caller
// can distinguish an address-in-use race from a fatal failure.
func (s *Server) Start(host string, port int) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("http server already started")
	}

	router := httprouter.New()
	router.GET("/*filepath", s.handleFile)

	listener, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to bind http server: %w", err)
	}

	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port
	s.httpServer = &http.Server{
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	s.started = true
	onConnected := s.onConnected
	boundPort := s.port
	httpServer := s.httpServer
	s.mu.Unlock()

	go func() {
		s.log.Info("preview server listening on %s", listener.Addr())
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server error: %v", err)
		}
	}()

	if onConnected != nil {
		onConnected(boundPort)
	}
	return nil
}

// Port returns the bound port, 0 before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// HasServedFile reports whether the file at absPath was transmitted to some
// client during this serving session.
func (s *Server) HasServedFile(absPath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.servedFiles[filepath.ToSlash(absPath)]
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
	s.httpServer = nil
	s.listener = nil
	s.servedFiles = make(map[string]bool)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown http server: %w", err)
	}
	return nil
}

// handleFile serves one file from the root, recording it as served.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	rel := strings.TrimPrefix(ps.ByName("filepath"), "/")
	if rel == "" {
		rel = "index.html"
	}

	abs := filepath.Join(s.root, filepath.FromSlash(rel))

	// Keep requests inside the root; "/../" escapes 404 like any miss.
	cleanRoot := filepath.Clean(s.root)
	if abs != cleanRoot && !strings.HasPrefix(abs, cleanRoot+string(filepath.Separator)) {
		http.NotFound(w, r)
		return
	}

	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	s.servedFiles[filepath.ToSlash(abs)] = true
	wsURI := s.externalWSURI
	s.mu.Unlock()

	if wsURI != "" {
		w.Header().Set("X-Previewd-WS", wsURI)
	}
	http.ServeFile(w, r, abs)
}
