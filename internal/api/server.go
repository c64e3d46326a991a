// Package api exposes the fraud engine over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-telecom/kestrel/internal/detector"
	"github.com/opensource-telecom/kestrel/internal/domain"
	"github.com/opensource-telecom/kestrel/internal/rules"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, store domain.ActivityStore, cache domain.Cache, bus domain.EventBus, det *detector.Detector, custom *rules.CustomEngine, version string) *Server {
	handler := NewHandler(store, cache, bus, det, custom, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Assessment
	router.Get("/subscribers/{id}/assessment", handler.GetAssessment)
	router.Delete("/subscribers/{id}/assessment", handler.InvalidateAssessment)
	router.Post("/assess/batch", handler.AssessBatch)

	// Activity ingest
	router.Post("/activity", handler.IngestActivity)

	// Custom rule management
	router.Get("/rules/custom", handler.ListCustomRules)
	router.Post("/rules/custom", handler.CreateCustomRule)
	router.Delete("/rules/custom/{id}", handler.DeleteCustomRule)
	router.Post("/rules/custom/reload", handler.ReloadCustomRules)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
