// Kestrel - Telecom fraud scoring engine.
// Copyright (c) 2025 opensource.telecom
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/opensource-telecom/kestrel/internal/api"
	"github.com/opensource-telecom/kestrel/internal/bus"
	"github.com/opensource-telecom/kestrel/internal/cache"
	"github.com/opensource-telecom/kestrel/internal/detector"
	"github.com/opensource-telecom/kestrel/internal/domain"
	"github.com/opensource-telecom/kestrel/internal/repository"
	"github.com/opensource-telecom/kestrel/internal/rules"
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

	// Check for distributed mode via environment
	if os.Getenv("KESTREL_MODE") == "distributed" {
		cfg = domain.DistributedConfig()
		slog.Info("running in distributed mode")
	}
	applyEnvOverrides(cfg)

	slog.Info("configuration loaded",
		"store", cfg.Store.Driver,
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

	// Initialize Activity Store
	store, err := repository.New(cfg.Store)
	if err != nil {
		slog.Error("failed to initialize activity store", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	slog.Info("activity store initialized", "driver", cfg.Store.Driver)

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

	// Initialize Custom Rule Engine
	customEngine, err := rules.NewCustomEngine(store)
	if err != nil {
		slog.Error("failed to initialize custom rule engine", "error", err)
		os.Exit(1)
	}
	if err := loadCustomRules(ctx, store, customEngine); err != nil {
		slog.Error("failed to load custom rules", "error", err)
		os.Exit(1)
	}
	slog.Info("custom rule engine initialized", "rules_count", customEngine.RuleCount())

	// Initialize Detector over the builtin heuristics
	thresholds := rules.Thresholds{
		VelocityThreshold: cfg.Detector.VelocityThreshold,
		CostThreshold:     cfg.Detector.CostThreshold,
	}
	det := detector.New(
		rules.BuiltinRules(store, thresholds),
		cfg.Detector,
		detector.WithCache(cacheImpl),
		detector.WithEventBus(busImpl),
		detector.WithCustomEngine(customEngine),
	)
	slog.Info("detector initialized",
		"velocity_threshold", thresholds.VelocityThreshold,
		"cost_threshold", thresholds.CostThreshold,
		"cache_ttl", cfg.Detector.CacheTTL,
	)

	// Initialize Server
	srv := api.NewServer(cfg.Server, store, cacheImpl, busImpl, det, customEngine, Version)

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

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// loadCustomRules loads operator-defined rules from the store into the CEL
// engine. Starting with none is fine; they can be added via the API.
func loadCustomRules(ctx context.Context, store domain.ActivityStore, engine *rules.CustomEngine) error {
	configs, err := store.ListCustomRules(ctx)
	if err != nil {
		slog.Warn("failed to list custom rules", "error", err)
		return nil
	}

	if len(configs) > 0 {
		slog.Info("loading custom rules", "count", len(configs))
		return engine.LoadRules(configs)
	}

	slog.Info("no custom rules configured - add via POST /rules/custom")
	return nil
}

func applyEnvOverrides(cfg *domain.Config) {
	if v := os.Getenv("KESTREL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("KESTREL_SQLITE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_HOST"); v != "" {
		cfg.Store.PostgresHost = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_USER"); v != "" {
		cfg.Store.PostgresUser = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_PASSWORD"); v != "" {
		cfg.Store.PostgresPassword = v
	}
	if v := os.Getenv("KESTREL_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("KESTREL_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if v := os.Getenv("KESTREL_VELOCITY_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Detector.VelocityThreshold = n
		}
	}
	if v := os.Getenv("KESTREL_COST_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Detector.CostThreshold = f
		}
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL - Telecom Fraud Scoring Engine")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    GET    /subscribers/{id}/assessment - Assess a subscriber")
	fmt.Println("    DELETE /subscribers/{id}/assessment - Invalidate cached assessment")
	fmt.Println("    POST   /assess/batch                - Assess many subscribers")
	fmt.Println("    POST   /activity                    - Ingest call records")
	fmt.Println("    GET    /rules/custom                - List custom rules")
	fmt.Println("    POST   /rules/custom                - Create a custom rule")
	fmt.Println("    DELETE /rules/custom/{id}           - Delete a custom rule")
	fmt.Println("    POST   /rules/custom/reload         - Hot-reload custom rules")
	fmt.Println("    GET    /health                      - Health check")
	fmt.Println()
}
