// Kestrel - Real-time transaction fraud detection.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/analytics"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/broadcast"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/dispatcher"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fraudlog"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Metrics Collector
	collector := metrics.NewCollector()
	if cb, ok := busImpl.(*bus.ChannelBus); ok {
		cb.OnDrop(collector.BusMessageDropped)
	}

	// Initialize Rule Engine over the cached history reader
	history := rules.NewCachedHistory(repo, cacheImpl)
	engine, err := rules.NewEngine(history, logger)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}

	// Load custom rules from database (no hardcoded defaults - configure via API)
	if err := loadCustomRulesFromDatabase(ctx, repo, engine); err != nil {
		slog.Error("failed to load custom rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "custom_rules", engine.CustomRulesCount())

	// Initialize Fraud Log Recorder
	recorder := fraudlog.NewRecorder(repo, busImpl, logger)

	// Initialize Detection Dispatcher
	disp := dispatcher.New(busImpl, engine, recorder, collector, logger, cfg.Dispatcher.MaxInFlight)
	if err := disp.Start(ctx); err != nil {
		slog.Error("failed to start dispatcher", "error", err)
		os.Exit(1)
	}
	slog.Info("dispatcher started", "max_in_flight", cfg.Dispatcher.MaxInFlight)

	// Initialize Broadcast Hub
	hub := broadcast.NewHub(collector, logger)
	if err := hub.Start(ctx, busImpl); err != nil {
		slog.Error("failed to start broadcast hub", "error", err)
		os.Exit(1)
	}

	// Initialize Analytics Aggregator
	aggregator := analytics.NewAggregator(repo, logger)

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, engine, hub, aggregator, collector, logger, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop consuming before the bus closes
	if err := disp.Stop(); err != nil {
		slog.Error("failed to stop dispatcher", "error", err)
	}
	if err := hub.Stop(); err != nil {
		slog.Error("failed to stop broadcast hub", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// loadCustomRulesFromDatabase loads enabled custom rules into the engine.
// All custom rules must be configured via POST /rules API - no hardcoded defaults.
func loadCustomRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	dbRules, err := repo.ListCustomRules(ctx)
	if err != nil {
		slog.Warn("failed to list custom rules from database", "error", err)
		return nil // Start with empty rules - they can be added via API
	}

	if len(dbRules) > 0 {
		slog.Info("loading custom rules from database", "count", len(dbRules))
		return engine.ReloadCustomRules(dbRules)
	}

	slog.Info("no custom rules in database - configure via POST /rules API")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL - Transaction Fraud Detection")
	fmt.Println("  Every transaction, watched.")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /transactions        - Ingest a transaction")
	fmt.Println("    GET    /transactions/{id}   - Get transaction by ID")
	fmt.Println("    GET    /anomalies/recent    - Recent fraud-log entries")
	fmt.Println("    GET    /anomalies/stream    - Live anomaly feed (SSE)")
	fmt.Println("    GET    /anomalies/ws        - Live anomaly feed (WebSocket)")
	fmt.Println("    GET    /anomalies/{id}      - Get fraud-log entry by ID")
	fmt.Println("    DELETE /anomalies           - Purge the fraud log")
	fmt.Println("    GET    /fraud/analysis      - Aggregated fraud analytics")
	fmt.Println("    GET    /rules               - List custom rules")
	fmt.Println("    POST   /rules               - Create a custom rule")
	fmt.Println("    POST   /rules/reload        - Hot-reload rules from database")
	fmt.Println("    GET    /health              - Health check")
	fmt.Println("    GET    /metrics             - Prometheus metrics")
	fmt.Println()
}
