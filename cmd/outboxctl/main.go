// Package main provides outboxctl, the operator tool for the outbox and delivery queues.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/jnst/outbox-pipeline/internal/config"
	"github.com/jnst/outbox-pipeline/internal/logger"
)

const exitCode = 1

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(exitCode)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "outboxctl",
		Short:         "Inspect and repair the outbox and notification queues",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(migrateCmd())
	root.AddCommand(statsCmd())
	root.AddCommand(failedCmd())
	root.AddCommand(requeueCmd())
	root.AddCommand(sweepCmd())

	return root
}

// session is the configuration and database pool shared by a single command run.
type session struct {
	cfg  *config.Config
	log  *slog.Logger
	pool *pgxpool.Pool
}

func withSession(ctx context.Context, fn func(s *session) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	return fn(&session{cfg: cfg, log: log, pool: pool})
}
