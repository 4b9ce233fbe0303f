// Package main provides the delivery worker that leases pending notifications and sends them.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/outbox-pipeline/internal/app"
	"github.com/jnst/outbox-pipeline/internal/config"
	"github.com/jnst/outbox-pipeline/internal/logger"
)

const exitCode = 1

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("notifier stopped", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	log.Info("notifier stopped")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer dbPool.Close()

	tel, closeTelemetry, err := app.StartTelemetry("outbox-notifier", cfg, log)
	if err != nil {
		return err
	}
	defer closeTelemetry()

	loop, closeLoop, err := app.DeliveryLoop(cfg, dbPool, log)
	if err != nil {
		return err
	}
	defer closeLoop()

	return app.Serve(ctx, tel, loop)
}
