// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package devserver is a local stand-in for the diagnosis service.
//
// Endpoints:
//   - GET  /health      - Health check
//   - POST /chat/stream - Scripted diagnosis as Server-Sent Events
//
// The stream follows the same event sequence as the real service so the
// client can be exercised end to end without network access.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/jeranaias/cropdoc/internal/request"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = "127.0.0.1:8000"

	// maxRequestBody bounds request bodies; images arrive inline.
	maxRequestBody = 16 << 20
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// ============================================================================
// SERVER
// ============================================================================

// Options configures a Server.
type Options struct {
	Addr string
	// Delay is the pause between frames.
	Delay  time.Duration
	Logger *slog.Logger
}

// Server serves the scripted diagnosis API.
type Server struct {
	addr   string
	delay  time.Duration
	logger *slog.Logger
	router chi.Router
	server *http.Server

	requests atomic.Int64
}

// New creates a server; call Handler to mount it or ListenAndServe to run it.
func New(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		addr:   opts.Addr,
		delay:  opts.Delay,
		logger: opts.Logger.With("component", "devserver"),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware(s.logger))

	r.Get("/health", s.handleHealth)
	r.Post("/chat/stream", s.handleChatStream)
	s.router = r
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Requests returns how many chat requests have been accepted.
func (s *Server) Requests() int64 {
	return s.requests.Load()
}

// ListenAndServe blocks serving on the configured address until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("server starting", "addr", s.addr, "version", Version)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	return s.server.Shutdown(ctx)
}

// ============================================================================
// HANDLERS
// ============================================================================

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Requests int64  `json:"requests"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		Version:  Version,
		Requests: s.Requests(),
	})
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req request.ChatRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" && req.ImageB64 == "" {
		writeError(w, http.StatusBadRequest, "message or image_b64 is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	s.requests.Add(1)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Session-ID", req.SessionID)
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	for _, f := range Script(req) {
		if s.delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.delay):
			}
		}
		if err := writeFrame(w, f); err != nil {
			s.logger.Debug("client went away", "session", req.SessionID, "err", err)
			return
		}
		flusher.Flush()
	}
}

// ============================================================================
// RESPONSE HELPERS
// ============================================================================

// writeFrame writes one SSE frame; multi-line data becomes several data lines.
func writeFrame(w io.Writer, f Frame) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", f.Event); err != nil {
		return err
	}
	for _, line := range strings.Split(f.Data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"detail": message})
}
