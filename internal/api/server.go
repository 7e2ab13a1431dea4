// Package api exposes the HTTP surface of the detection pipeline.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/analytics"
	"github.com/opensource-finance/kestrel/internal/broadcast"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, hub *broadcast.Hub, aggregator *analytics.Aggregator, collector *metrics.Collector, logger *slog.Logger, version string) *Server {
	handler := NewHandler(repo, cache, bus, engine, hub, aggregator, collector, logger, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)    // CORS for browser clients
	router.Use(RecoverMiddleware) // Recover from panics
	router.Use(TracingMiddleware) // OpenTelemetry tracing
	router.Use(LoggingMiddleware) // Request logging
	router.Use(middleware.RealIP) // Extract real IP

	// Health and metrics
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", collector.Handler())

	// Transaction ingest and retrieval
	router.Post("/transactions", handler.IngestTransaction)
	router.Get("/transactions/{id}", handler.GetTransaction)

	// Fraud log
	router.Get("/anomalies/recent", handler.RecentAnomalies)
	router.Get("/anomalies/stream", handler.StreamAnomalies)
	router.Get("/anomalies/ws", handler.WSAnomalies)
	router.Get("/anomalies/{id}", handler.GetAnomaly)
	router.Delete("/anomalies", handler.PurgeAnomalies)

	// Analytics
	router.Get("/fraud/analysis", handler.FraudAnalysis)

	// Custom rule management
	router.Get("/rules", handler.ListRules)
	router.Get("/rules/{id}", handler.GetRule)
	router.Post("/rules", handler.CreateRule)
	router.Post("/rules/reload", handler.ReloadRules)

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
