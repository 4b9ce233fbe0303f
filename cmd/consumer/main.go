// Package main provides the event consumer that turns broker events into delivery queue rows.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/outbox-pipeline/internal/broker"
	"github.com/jnst/outbox-pipeline/internal/config"
	"github.com/jnst/outbox-pipeline/internal/logger"
	"github.com/jnst/outbox-pipeline/internal/model"
	"github.com/jnst/outbox-pipeline/internal/repository"
	"github.com/jnst/outbox-pipeline/internal/service"
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
		log.Error("consumer stopped", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	log.Info("consumer stopped")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer dbPool.Close()

	stream, closeStream, err := broker.Open(ctx, cfg, cfg.ConsumerName, log)
	if err != nil {
		return err
	}
	defer closeStream()

	consumer := service.NewEventConsumerServiceImpl(
		repository.NewNotificationRepositoryImpl(dbPool),
		time.Now,
		log,
	)

	log.Info("starting event consumer",
		slog.String("service", "consumer"),
		slog.String("broker", cfg.Broker.Kind),
		slog.String("stream", cfg.Broker.Stream),
		slog.String("group", cfg.Broker.Group),
		slog.String("consumer", cfg.ConsumerName),
	)

	return stream.Subscribe(ctx, handler(consumer, log))
}

// handler acknowledges malformed events after logging them so they are not redelivered forever.
func handler(consumer service.EventConsumerService, log *slog.Logger) broker.Handler {
	return func(ctx context.Context, msg broker.Message) error {
		err := consumer.HandleEvent(ctx, msg)
		if errors.Is(err, model.ErrMalformedEvent) {
			log.Error("dropping malformed event",
				slog.String("event_id", msg.ID),
				slog.String("event_type", msg.EventType),
				slog.String("error", err.Error()),
			)

			return nil
		}

		return err
	}
}
