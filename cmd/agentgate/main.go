// Package main is the entry point for agentgate, an HTTP service that sells
// agent capabilities (web search, content scraping, human-in-the-loop tasks)
// behind a payment gate.
//
// Every request passes an admission guard first: a per-identity fixed-window
// rate limiter, plus a target validator that keeps server-side fetches away
// from internal addresses. Paid capabilities are settled through a payment
// facilitator and tracked as jobs with marketplace-style endpoints
// (/start_job, /status, /provide_input).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/observability"
	"github.com/agentgate/agentgate/internal/redis"
	"github.com/agentgate/agentgate/internal/server"
	"github.com/joho/godotenv"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("agentgate %s\n", version)
		return
	}

	// A local .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	// Load configuration from YAML file + environment variable overrides.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger.
	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting agentgate", "version", version, "agent", cfg.Agent.Name)
	redis.InitLogger(logger)

	// Create root context with signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Create and start the server.
	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Start the config file watcher for hot-reload.
	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
		}
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("agentgate shut down gracefully")
}
