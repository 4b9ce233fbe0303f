// Package main runs the outbox publisher, the delivery worker and the retention sweeper in one process.
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
		log.Error("worker stopped", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	log.Info("worker stopped")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer dbPool.Close()

	tel, closeTelemetry, err := app.StartTelemetry("outbox-worker", cfg, log)
	if err != nil {
		return err
	}
	defer closeTelemetry()

	publisher, closePublisher, err := app.PublisherLoop(ctx, cfg, dbPool, log)
	if err != nil {
		return err
	}
	defer closePublisher()

	delivery, closeDelivery, err := app.DeliveryLoop(cfg, dbPool, log)
	if err != nil {
		return err
	}
	defer closeDelivery()

	return app.Serve(ctx, tel, publisher, delivery, app.SweeperLoop(cfg, dbPool, log))
}
