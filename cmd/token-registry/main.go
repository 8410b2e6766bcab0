// Package main is the entry point for the token registry.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tokenforge/token-registry/internal/api"
	"github.com/tokenforge/token-registry/internal/cleanup"
	"github.com/tokenforge/token-registry/internal/config"
	"github.com/tokenforge/token-registry/internal/metrics"
	"github.com/tokenforge/token-registry/internal/registry"
	"github.com/tokenforge/token-registry/internal/stats"
	"github.com/tokenforge/token-registry/internal/store"
	"github.com/tokenforge/token-registry/internal/store/resilient"

	// Storage backends register themselves with the factory.
	_ "github.com/tokenforge/token-registry/internal/store/memory"
	_ "github.com/tokenforge/token-registry/internal/store/redis"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Command line flags
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("token-registry %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting token registry",
		slog.String("version", version),
		slog.String("storage", cfg.Storage.Type),
		slog.String("address", cfg.Address()),
	)

	// Create storage backend
	backend, err := store.Create(store.BackendType(cfg.Storage.Type), cfg)
	if err != nil {
		logger.Error("failed to create storage backend", slog.String("error", err.Error()))
		os.Exit(1)
	}

	m := metrics.New()

	// Wrap the backend with per-operation circuit breakers
	st := backend
	if cfg.Breaker.Enabled {
		st = resilient.Wrap(backend, cfg.Breaker, logger, m.ObserveBreaker)
	}

	// Wire the service
	engine := stats.New(st, cfg.Tokens, logger)
	dispatcher := registry.NewDispatcher(logger, m)
	reg := registry.New(st, engine, cfg.Tokens, dispatcher, m, logger)

	cleaner := cleanup.New(st, cfg.Cleanup, logger, m)
	cleaner.Start()

	server := api.NewServer(cfg, reg, st, cleaner, m, logger)

	// Handle shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	// Wait for shutdown signal or error
	select {
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	case sig := <-shutdown:
		logger.Info("shutting down", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", slog.String("error", err.Error()))
		}

		cleaner.Stop()

		if err := dispatcher.Close(ctx); err != nil {
			logger.Warn("event deliveries abandoned", slog.String("error", err.Error()))
		}

		if err := st.Close(); err != nil {
			logger.Error("storage close error", slog.String("error", err.Error()))
		}
	}

	logger.Info("shutdown complete")
}

// newLogger builds the process logger from the logging configuration.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
