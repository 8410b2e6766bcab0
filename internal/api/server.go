// Package api provides the ops HTTP server and routing.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tokenforge/token-registry/internal/cleanup"
	"github.com/tokenforge/token-registry/internal/config"
	"github.com/tokenforge/token-registry/internal/metrics"
	"github.com/tokenforge/token-registry/internal/registry"
	"github.com/tokenforge/token-registry/internal/store"
)

// Server represents the ops HTTP server. It exposes health, metrics,
// stats and administrative revocation and cleanup endpoints; token
// issuance and validation stay on the in-process Registry API.
type Server struct {
	config   *config.Config
	registry *registry.Registry
	store    store.TokenStore
	cleaner  *cleanup.Cleaner
	router   chi.Router
	server   *http.Server
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewServer creates a new ops HTTP server.
func NewServer(cfg *config.Config, reg *registry.Registry, st store.TokenStore, cleaner *cleanup.Cleaner, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		config:   cfg,
		registry: reg,
		store:    st,
		cleaner:  cleaner,
		logger:   logger,
		metrics:  m,
	}

	s.setupRouter()
	return s
}

// setupRouter configures the HTTP router.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// Health
	r.Get("/healthz", s.handleLiveness)
	r.Get("/readyz", s.handleReadiness)

	// Metrics endpoint
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	// Stats
	r.Get("/stats/{subject}", s.handleStats)
	r.Post("/stats/aggregate", s.handleAggregateStats)

	// Administrative revocation
	r.Delete("/subjects/{subject}/tokens", s.handleRevokeAll)
	r.Delete("/subjects/{subject}/devices/{device}/tokens", s.handleRevokeDevice)

	// Manual orphan sweep
	r.Post("/cleanup", s.handleCleanup)

	s.router = r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote", r.RemoteAddr),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := s.config.Address()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.Server.WriteTimeout) * time.Second,
	}

	s.logger.Info("starting server", slog.String("address", addr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the HTTP router for testing.
func (s *Server) Router() http.Handler {
	return s.router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Address returns the server address.
func (s *Server) Address() string {
	return fmt.Sprintf("http://%s", s.config.Address())
}
