// Package api exposes the retrieval backend over HTTP.
//
// Endpoints:
//
//	POST   /api/documents        → ingest a document
//	DELETE /api/documents/{id}   → remove a document's passages
//	POST   /api/chat             → synchronous answer
//	POST   /api/chat/stream      → SSE streaming answer
//	DELETE /api/sessions/{id}    → close a session
//	GET    /health               → liveness probe
//	GET    /ready                → readiness probe
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/verityai/verity/internal/graph"
	"github.com/verityai/verity/internal/ingest"
	"github.com/verityai/verity/internal/session"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "127.0.0.1:8080"

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout guards against slow-header clients.
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout = 60 * time.Second

	// WriteTimeout is generous because streaming responses hold the
	// connection open while the model generates.
	WriteTimeout = 300 * time.Second

	// IdleTimeout bounds keep-alive connections.
	IdleTimeout = 120 * time.Second
)

// ServerConfig contains the server's dependencies.
type ServerConfig struct {
	Logger   *slog.Logger
	Engine   *graph.Engine    // Required
	Pipeline *ingest.Pipeline // Required
	Sessions session.Store    // Required
	Pool     *pgxpool.Pool    // Optional: nil skips the database readiness check
}

// Server is the HTTP server for the REST API.
type Server struct {
	mux    *http.ServeMux
	logger *slog.Logger
}

// NewServer creates a server with all routes registered.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Engine == nil || cfg.Pipeline == nil || cfg.Sessions == nil {
		return nil, errors.New("engine, pipeline, and session store are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()

	dh := &documentsHandler{pipeline: cfg.Pipeline, logger: logger}
	mux.HandleFunc("POST /api/documents", dh.upload)
	mux.HandleFunc("DELETE /api/documents/{id}", dh.remove)

	ch := &chatHandler{engine: cfg.Engine, logger: logger}
	mux.HandleFunc("POST /api/chat", ch.send)
	mux.HandleFunc("POST /api/chat/stream", ch.stream)

	sh := &sessionsHandler{store: cfg.Sessions, logger: logger}
	mux.HandleFunc("DELETE /api/sessions/{id}", sh.remove)

	mux.HandleFunc("GET /health", health)
	mux.Handle("GET /ready", readiness(cfg.Pool))

	return &Server{mux: mux, logger: logger}, nil
}

// Handler returns the HTTP handler with middleware applied.
// Middleware order: recovery → logging → routes.
func (s *Server) Handler() http.Handler {
	return chain(s.mux, recoveryMiddleware(s.logger), loggingMiddleware(s.logger))
}

// Run starts the server and blocks until the context is canceled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
