// HTTP exposition of metrics
//
// Handler serves the Prometheus text format and can be mounted on any mux.
// Server runs it standalone on its own address with /health alongside.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Gatherer renders metrics in Prometheus text format.
type Gatherer interface {
	Gather() string
}

// HandlerOptions configures Handler.
type HandlerOptions struct {
	// Optional basic auth credentials; empty disables auth.
	Username string
	Password string
}

// Handler returns an http.Handler serving g.
func Handler(g Gatherer, opts HandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !checkAuth(w, r, opts) {
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		output := g.Gather()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(output)))
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write([]byte(output))
	})
}

// checkAuth verifies basic auth if configured
func checkAuth(w http.ResponseWriter, r *http.Request, opts HandlerOptions) bool {
	if opts.Username == "" && opts.Password == "" {
		return true
	}

	username, password, ok := r.BasicAuth()
	usernameMatch := subtle.ConstantTimeCompare([]byte(username), []byte(opts.Username)) == 1
	passwordMatch := subtle.ConstantTimeCompare([]byte(password), []byte(opts.Password)) == 1
	if !ok || !usernameMatch || !passwordMatch {
		w.Header().Set("WWW-Authenticate", `Basic realm="laserstage metrics"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

// ServerConfig holds standalone server configuration
type ServerConfig struct {
	// Address to listen on (e.g., ":9100" or "127.0.0.1:9100")
	Address string
	HandlerOptions
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":9100",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server serves metrics on a dedicated listener.
type Server struct {
	server *http.Server

	mu      sync.RWMutex
	running bool
}

// NewServer creates a standalone metrics server.
func NewServer(g Gatherer, cfg ServerConfig) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g, cfg.HandlerOptions))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("OK\n"))
	})

	return &Server{
		server: &http.Server{
			Addr:         cfg.Address,
			Handler:      mux,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	err := s.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return s.server.Shutdown(ctx)
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.server.Addr
}
