// Package api serves sessions over HTTP: clients post their transcript as it
// streams in and read back rendered messages and action state.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/artifactloop/internal/runner"
	"github.com/mattjoyce/artifactloop/internal/session"
	"github.com/mattjoyce/artifactloop/internal/store"
)

// History reads journaled sessions that are no longer live. LookupSession
// returns nil for an unknown ID.
type History interface {
	LookupSession(ctx context.Context, id string) (*store.Session, error)
	ListSessions(ctx context.Context) ([]*store.Session, error)
	ListActions(ctx context.Context, sessionID string) ([]runner.Action, error)
	ListArtifacts(ctx context.Context, sessionID string) ([]runner.Artifact, error)
}

// Config holds API server configuration.
type Config struct {
	Listen                  string
	Token                   string
	StreamPollInterval      time.Duration
	StreamHeartbeatInterval time.Duration
}

// Server represents the HTTP API server.
type Server struct {
	config    Config
	sessions  *session.Manager
	history   History
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. history may be nil.
func New(config Config, sessions *session.Manager, history History, logger *slog.Logger) *Server {
	if config.StreamPollInterval <= 0 {
		config.StreamPollInterval = 250 * time.Millisecond
	}
	if config.StreamHeartbeatInterval <= 0 {
		config.StreamHeartbeatInterval = 15 * time.Second
	}
	return &Server{
		config:    config,
		sessions:  sessions,
		history:   history,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // event streams are long-lived.
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated
	r.Get("/healthz", s.handleHealthz)

	// Protected
	r.Group(func(r chi.Router) {
		r.Use(s.bearerAuth)
		r.Post("/v1/sessions", s.handleCreateSession)
		r.Get("/v1/sessions", s.handleListSessions)
		r.Route("/v1/sessions/{session_id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Get("/actions", s.handleListActions)
			r.Get("/events", s.handleSessionEvents)
			r.Group(func(r chi.Router) {
				r.Use(s.liveSession)
				r.Post("/messages", s.handleMessages)
				r.Post("/edit", s.handleEdit)
				r.Post("/reset", s.handleReset)
				r.Post("/context", s.handleContext)
			})
		})
	})

	return r
}

// loggingMiddleware logs HTTP requests.
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
