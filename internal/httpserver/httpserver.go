// Package httpserver serves registered handlers on one listen address.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	readTimeout     = 30 * time.Second
	writeTimeout    = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Server routes requests by exact path. Unknown paths get 404.
type Server struct {
	addr string
	log  *slog.Logger

	mu       sync.Mutex
	handlers map[string]http.Handler
	srv      *http.Server
	ln       net.Listener
	done     chan struct{}
}

// New creates a Server for addr. Call Start to listen.
func New(addr string, log *slog.Logger) *Server {
	return &Server{
		addr:     addr,
		log:      log.With("component", "http"),
		handlers: make(map[string]http.Handler),
	}
}

// Handle registers h for path, replacing any earlier handler.
func (s *Server) Handle(path string, h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[path] = h
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	h, ok := s.handlers[r.URL.Path]
	s.mu.Unlock()
	if !ok {
		s.log.Debug("no handler", "method", r.Method, "path", r.URL.Path)
		http.NotFound(w, r)
		return
	}
	h.ServeHTTP(w, r)
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	srv := &http.Server{
		Handler:      s,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	s.mu.Lock()
	s.srv, s.ln, s.done = srv, ln, make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server error", "addr", ln.Addr().String(), "error", err)
		}
	}()
	s.log.Info("listening", "addr", ln.Addr().String())
	return nil
}

// Addr reports the actual listen address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	<-done
	s.log.Info("stopped")
	return nil
}
