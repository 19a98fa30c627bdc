// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/minivault/internal/config"
	"github.com/jeranaias/minivault/internal/ollama"
	"github.com/jeranaias/minivault/internal/storage"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// Version is reported by GET / and the version command.
	Version = "1.0.0"

	// MaxRequestBodySize is the maximum size for a request body (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// FallbackText replaces the response whenever the backend fails.
	FallbackText = "[Error: Could not get response from local LLM]"

	// InvalidPromptMessage is the 400 body for a missing or non-string prompt.
	InvalidPromptMessage = `Invalid input. "prompt" field is required and must be a string.`

	// InternalErrorMessage is the 500 body for orchestration failures.
	InternalErrorMessage = "Internal server error"
)

// Recorder is the part of storage.Recorder the server writes through.
type Recorder interface {
	Append(ctx context.Context, rec storage.InteractionRecord) error
}

// ============================================================================
// STATS
// ============================================================================

// Stats counts requests since startup. Safe for concurrent use.
type Stats struct {
	startTime       time.Time
	buffered        atomic.Int64
	streamed        atomic.Int64
	rejected        atomic.Int64
	backendFailures atomic.Int64
	streamErrors    atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Buffered        int64
	Streamed        int64
	Rejected        int64
	BackendFailures int64
	StreamErrors    int64
	Uptime          time.Duration
}

// NewStats creates a Stats instance starting now.
func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Buffered:        s.buffered.Load(),
		Streamed:        s.streamed.Load(),
		Rejected:        s.rejected.Load(),
		BackendFailures: s.backendFailures.Load(),
		StreamErrors:    s.streamErrors.Load(),
		Uptime:          time.Since(s.startTime),
	}
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the MiniVault HTTP API server.
type Server struct {
	cfg    config.ServerConfig
	router *http.ServeMux
	server *http.Server

	ollama    *ollama.Client
	recorder  Recorder
	logger    zerolog.Logger
	cors      *CORSConfig
	rateLimit *RateLimiter
	stats     *Stats

	mu sync.RWMutex
}

// NewServer creates a server for the given listener settings. A backend and
// a recorder must be attached before serving.
func NewServer(cfg config.ServerConfig) *Server {
	s := &Server{
		cfg:    cfg,
		router: http.NewServeMux(),
		logger: zerolog.Nop(),
		cors:   DefaultCORSConfig(),
		stats:  NewStats(),
	}
	s.setupRoutes()
	return s
}

// WithOllamaClient sets the backend client. It may be called while serving;
// in-flight requests keep the client they started with.
func (s *Server) WithOllamaClient(client *ollama.Client) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ollama = client
	return s
}

// WithRecorder sets the interaction recorder.
func (s *Server) WithRecorder(rec Recorder) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorder = rec
	return s
}

// WithLogger sets the operator logger.
func (s *Server) WithLogger(logger zerolog.Logger) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
	return s
}

// WithCORS replaces the CORS settings.
func (s *Server) WithCORS(cfg config.CORSConfig) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cors = NewCORSConfig(cfg.AllowedOrigins)
	return s
}

// WithRateLimit enables per-client rate limiting when cfg.Enabled is set.
func (s *Server) WithRateLimit(cfg config.RateLimitConfig) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.Enabled {
		s.rateLimit = NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst)
	} else {
		s.rateLimit = nil
	}
	return s
}

// ApplyBackend swaps in a client built from cfg. Used by config hot reload.
func (s *Server) ApplyBackend(cfg config.BackendConfig) {
	client := ollama.NewClient(ollama.ClientConfig{
		BaseURL:      cfg.URL,
		Model:        cfg.Model,
		Timeout:      cfg.Timeout,
		StreamBuffer: cfg.StreamBuffer,
	})
	s.WithOllamaClient(client)

	s.mu.RLock()
	logger := s.logger
	s.mu.RUnlock()
	logger.Info().
		Str("model", cfg.Model).
		Str("url", cfg.URL).
		Dur("timeout", cfg.Timeout).
		Msg("BACKEND_UPDATED")
}

// Stats returns the request counters.
func (s *Server) Stats() *Stats {
	return s.stats
}

// deps returns the collaborators a request needs under one lock.
func (s *Server) deps() (*ollama.Client, Recorder, zerolog.Logger) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ollama, s.recorder, s.logger
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) setupRoutes() {
	s.router.HandleFunc("POST /generate", s.handleGenerate)
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /{$}", s.handleRoot)
}

// Handler returns the router wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	s.mu.RLock()
	logger := s.logger
	cors := s.cors
	limiter := s.rateLimit
	s.mu.RUnlock()

	middlewares := []func(http.Handler) http.Handler{
		RequestIDMiddleware(logger),
		LoggingMiddleware(),
		RecoveryMiddleware(),
		SecurityHeadersMiddleware(),
		CORSMiddleware(cors),
	}
	if limiter != nil {
		middlewares = append(middlewares, RateLimitMiddleware(limiter))
	}
	return Chain(middlewares...)(s.router)
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start listens on the configured address and serves until Shutdown. It
// returns nil after a clean shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	s.mu.Lock()
	s.server = srv
	logger := s.logger
	s.mu.Unlock()

	logger.Info().Str("addr", ln.Addr().String()).Str("version", Version).Msg("SERVER_START")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight
// requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.server
	logger := s.logger
	s.mu.RUnlock()

	if srv == nil {
		return nil
	}

	snap := s.stats.Snapshot()
	logger.Info().
		Int64("buffered", snap.Buffered).
		Int64("streamed", snap.Streamed).
		Int64("rejected", snap.Rejected).
		Int64("backend_failures", snap.BackendFailures).
		Int64("stream_errors", snap.StreamErrors).
		Dur("uptime", snap.Uptime).
		Msg("SERVER_SHUTDOWN")

	return srv.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes {"error": message}.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
