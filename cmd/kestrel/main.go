// Kestrel - Compliance monitoring for event streams.
// Copyright (c) 2026 opensource-grc
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

	"github.com/opensource-grc/kestrel/internal/api"
	"github.com/opensource-grc/kestrel/internal/bus"
	"github.com/opensource-grc/kestrel/internal/cache"
	"github.com/opensource-grc/kestrel/internal/domain"
	"github.com/opensource-grc/kestrel/internal/pipeline"
	"github.com/opensource-grc/kestrel/internal/repository"
	"github.com/opensource-grc/kestrel/internal/rules"
	"github.com/opensource-grc/kestrel/internal/ruleset"
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
	if os.Getenv("KESTREL_MODE") == "distributed" {
		cfg = domain.DistributedConfig()
		slog.Info("running in distributed mode")
	}
	applyEnvOverrides(cfg)

	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"rules_path", cfg.RulesPath,
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

	// Initialize Rule Engine and load the rule document
	engine, err := rules.NewEngine()
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	loader, err := ruleset.NewLoader(cfg.RulesPath, engine)
	if err != nil {
		slog.Error("failed to load rule document", "path", cfg.RulesPath, "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized",
		"rules_count", engine.RulesCount(),
		"document_version", loader.Document().Version,
	)

	// Initialize Pipeline
	pipe := pipeline.New(cfg.Pipeline, pipeline.Deps{
		Repo:   repo,
		Cache:  cacheImpl,
		Bus:    busImpl,
		Engine: engine,
		Loader: loader,
	})
	pipe.Start()

	// Watch the rule document for hot reload
	stopWatch, err := loader.Watch()
	if err != nil {
		slog.Warn("rule document watch unavailable, use POST /rules/reload", "error", err)
		stopWatch = func() {}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, pipe, engine, loader, Version)

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

	stopWatch()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting requests, then drain the pipeline so queued events
	// finish scoring and the audit trail is complete.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := pipe.Stop(shutdownCtx); err != nil {
		slog.Error("pipeline drain incomplete", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// applyEnvOverrides layers KESTREL_* environment variables over the config.
func applyEnvOverrides(cfg *domain.Config) {
	if v := os.Getenv("KESTREL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("KESTREL_RULES_PATH"); v != "" {
		cfg.RulesPath = v
	}
	if v := os.Getenv("KESTREL_SQLITE_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_HOST"); v != "" {
		cfg.Repository.PostgresHost = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_PASSWORD"); v != "" {
		cfg.Repository.PostgresPassword = v
	}
	if v := os.Getenv("KESTREL_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("KESTREL_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if v := os.Getenv("KESTREL_EVAL_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pipeline.EvalWorkers = n
		}
	}
	if v := os.Getenv("KESTREL_SHARDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pipeline.ShardCount = n
		}
	}
	if v := os.Getenv("KESTREL_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pipeline.IngestQueueSize = n
		}
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║      Compliance Monitoring Engine         ║")
	fmt.Println("  ║       Eyes on every event stream.         ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Rules:    %s\n", cfg.RulesPath)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /ingest                    - Submit a raw input")
	fmt.Println("    GET  /entities/{id}/risk        - Current risk state")
	fmt.Println("    GET  /entities/{id}/violations  - Recent violations")
	fmt.Println("    GET  /entities/{id}/anomalies   - Recent anomaly signals")
	fmt.Println("    GET  /entities/{id}/audit       - Audit trail")
	fmt.Println("    GET  /alerts                    - Recent alerts")
	fmt.Println("    GET  /quarantine                - Quarantined inputs")
	fmt.Println("    GET  /dashboard                 - Activity summary")
	fmt.Println("    GET  /rules                     - Active rule document")
	fmt.Println("    POST /rules/reload              - Reload the rule document")
	fmt.Println("    GET  /health                    - Health check")
	fmt.Println("    GET  /metrics                   - Prometheus metrics")
	fmt.Println()
}
