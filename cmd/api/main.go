// Package main provides the HTTP API server. Commands run at most once per Idempotency-Key
// and record their outbox events in the same transaction.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/outbox-pipeline/internal/config"
	"github.com/jnst/outbox-pipeline/internal/logger"
	"github.com/jnst/outbox-pipeline/internal/repository"
	"github.com/jnst/outbox-pipeline/internal/service"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
	exitCode          = 1
)

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
		log.Error("api server stopped", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer dbPool.Close()

	userRepo := repository.NewUserRepositoryImpl(dbPool)
	outboxRepo := repository.NewOutboxRepositoryImpl(dbPool)
	idempotencyRepo := repository.NewIdempotencyRepositoryImpl(dbPool)
	transactionMgr := repository.NewTransactionManagerImpl(dbPool)

	idempotency := service.NewIdempotencyServiceImpl(idempotencyRepo, transactionMgr, cfg.Idempotency.TTL, time.Now)
	userService := service.NewUserServiceImpl(userRepo, outboxRepo, idempotency, transactionMgr, time.Now)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           NewAPIServer(userService, log.With(slog.String("component", "api"))).Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)

	go func() {
		log.Info("starting API server", slog.String("service", "api"), slog.String("port", cfg.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutdown signal received, stopping API server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
