// Package api is the HTTP boundary: engine operations as JSON endpoints plus
// a server-sent event stream of progress and results.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/stemdeck/internal/cancel"
	"github.com/mattjoyce/stemdeck/internal/engine"
	"github.com/mattjoyce/stemdeck/internal/events"
	"github.com/mattjoyce/stemdeck/internal/joblog"
	"github.com/mattjoyce/stemdeck/internal/protocol"
)

// Engine is the set of operations the API exposes.
type Engine interface {
	ValidateURL(ctx context.Context, url string) protocol.BoundaryResult
	GetSettings(ctx context.Context) protocol.BoundaryResult
	SaveSettings(ctx context.Context, path string) protocol.BoundaryResult
	DownloadAudio(ctx context.Context, req engine.DownloadRequest) protocol.BoundaryResult
	SeparateAudio(ctx context.Context, req engine.SeparateRequest) protocol.BoundaryResult
	CancelSeparation() cancel.Result
	ActiveJob() (string, bool)
}

// JobHistory reads the job log.
type JobHistory interface {
	Recent(ctx context.Context, f joblog.Filter) ([]*joblog.Entry, error)
	Get(ctx context.Context, id string) (*joblog.Entry, error)
}

// EventSource is the hub the event stream reads from.
type EventSource interface {
	SubscribeSince(lastID int64) ([]events.Event, <-chan events.Event, func())
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey, when set, is required as a bearer token on every /v1 route.
	APIKey string
	// EngineMode is reported by /healthz.
	EngineMode string
	// KeepAlive is the SSE comment interval. Zero selects 15s.
	KeepAlive time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	engine    Engine
	history   JobHistory
	events    EventSource
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, eng Engine, history JobHistory, src EventSource, logger *slog.Logger) *Server {
	if config.KeepAlive <= 0 {
		config.KeepAlive = 15 * time.Second
	}
	return &Server{
		config:    config,
		engine:    eng,
		history:   history,
		events:    src,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start serves on config.Listen until ctx is done (blocking).
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No write timeout: engine calls answer when the engine exits and
		// the event stream is open-ended.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Route("/v1", func(r chi.Router) {
		if s.config.APIKey != "" {
			r.Use(s.authMiddleware)
		}
		r.Post("/validate", s.handleValidate)
		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handleSaveSettings)
		r.Post("/download", s.handleDownload)
		r.Post("/separate", s.handleSeparate)
		r.Post("/separate/cancel", s.handleCancel)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
