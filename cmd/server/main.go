// Command server runs the ScanGuard HTTP API, scan consumer and alert stream.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/mbd888/scanguard/internal/config"
	"github.com/mbd888/scanguard/internal/logging"
	"github.com/mbd888/scanguard/internal/server"
)

// Set with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	boot := logging.New("info", "text").With("version", Version, "commit", Commit, "build_time", BuildTime)

	cfg, err := config.Load()
	if err != nil {
		boot.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With("version", Version)
	slog.SetDefault(logger)
	logger.Info("starting scanguard",
		"env", cfg.Env,
		"storage", storageMode(cfg),
		"kafka", cfg.KafkaEnabled(),
		"redis", cfg.RedisURL != "",
		"min_alert_severity", cfg.Risk.MinAlertSeverity,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("server setup failed", "error", err)
		os.Exit(1)
	}
	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func storageMode(cfg *config.Config) string {
	if cfg.DatabaseURL != "" {
		return "postgres"
	}
	return "memory"
}
