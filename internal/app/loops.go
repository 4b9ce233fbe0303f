// Package app assembles the background loops run by the worker binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/rueidis"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/jnst/outbox-pipeline/internal/broker"
	"github.com/jnst/outbox-pipeline/internal/config"
	"github.com/jnst/outbox-pipeline/internal/metrics"
	"github.com/jnst/outbox-pipeline/internal/model"
	"github.com/jnst/outbox-pipeline/internal/notifier"
	"github.com/jnst/outbox-pipeline/internal/repository"
	"github.com/jnst/outbox-pipeline/internal/retry"
	"github.com/jnst/outbox-pipeline/internal/service"
	"github.com/jnst/outbox-pipeline/internal/telemetry"
	"github.com/jnst/outbox-pipeline/internal/worker"
)

const (
	mailProcessingDelay   = 100 * time.Millisecond
	dedupKeyPrefix        = "notification:sent:"
	telemetryFlushTimeout = 5 * time.Second
)

// Closer releases what a loop constructor opened. Call it after the loop returns.
type Closer func()

// StartTelemetry installs the global meter and tracer providers for service.
// The Closer flushes pending spans.
func StartTelemetry(service string, cfg *config.Config, log *slog.Logger) (*telemetry.Telemetry, Closer, error) {
	tel, err := telemetry.Setup(service, cfg.Telemetry, log)
	if err != nil {
		return nil, nil, err
	}

	return tel, func() {
		ctx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
		defer cancel()

		if err := tel.Shutdown(ctx); err != nil {
			log.Warn("failed to flush telemetry", slog.String("error", err.Error()))
		}
	}, nil
}

// Serve runs loops next to the metrics endpoint. A failing endpoint stops the loops.
func Serve(ctx context.Context, tel *telemetry.Telemetry, loops ...worker.Loop) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return tel.Serve(ctx) })
	g.Go(func() error { return worker.RunAll(ctx, loops...) })

	return g.Wait()
}

// PublisherLoop builds the outbox publisher loop and connects to the configured broker.
func PublisherLoop(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, log *slog.Logger) (worker.Loop, Closer, error) {
	workerID := cfg.ResolveWorkerID("publisher")

	stream, closeStream, err := broker.Open(ctx, cfg, workerID, log)
	if err != nil {
		return worker.Loop{}, nil, err
	}

	CheckDedupWindow(cfg, log)

	outboxRepo := repository.NewOutboxRepositoryImpl(pool)

	reg, err := registerGauges(log, outboxRepo)
	if err != nil {
		closeStream()

		return worker.Loop{}, nil, err
	}

	outboxService := service.NewOutboxServiceImpl(
		outboxRepo,
		stream,
		service.LeaseOptionsFromConfig(workerID, cfg.Publisher),
		time.Now,
		log,
	)

	log.Info("outbox publisher configured",
		slog.String("worker_id", workerID),
		slog.String("broker", cfg.Broker.Kind),
		slog.Duration("poll_interval", cfg.Publisher.PollInterval),
		slog.Int("batch_size", cfg.Publisher.BatchSize),
	)

	loop := worker.Loop{
		Name:     "outbox_publisher",
		Interval: cfg.Publisher.PollInterval,
		Enabled:  cfg.Publisher.Enabled,
		Logger:   log,
		Task: func(ctx context.Context) error {
			res, err := outboxService.ProcessUnpublishedEvents(ctx, cfg.Publisher.BatchSize)
			logBatch(log, "outbox batch processed", res)

			return err
		},
	}

	return loop, func() {
		_ = reg.Unregister()
		closeStream()
	}, nil
}

// DeliveryLoop builds the notification delivery loop and connects to Redis for send dedup.
func DeliveryLoop(cfg *config.Config, pool *pgxpool.Pool, log *slog.Logger) (worker.Loop, Closer, error) {
	redisClient, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{cfg.RedisAddr},
	})
	if err != nil {
		return worker.Loop{}, nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	workerID := cfg.ResolveWorkerID("notifier")
	notificationRepo := repository.NewNotificationRepositoryImpl(pool)

	reg, err := registerGauges(log, notificationRepo)
	if err != nil {
		redisClient.Close()

		return worker.Loop{}, nil, err
	}

	notificationService := service.NewNotificationServiceImpl(
		notificationRepo,
		NewSender(cfg, redisClient, log),
		service.LeaseOptionsFromConfig(workerID, cfg.Delivery),
		time.Now,
		log,
	)

	log.Info("delivery worker configured",
		slog.String("worker_id", workerID),
		slog.Duration("poll_interval", cfg.Delivery.PollInterval),
		slog.Int("batch_size", cfg.Delivery.BatchSize),
		slog.Float64("rate_limit", cfg.Notifier.RateLimit),
	)

	loop := worker.Loop{
		Name:     "delivery_worker",
		Interval: cfg.Delivery.PollInterval,
		Enabled:  cfg.Delivery.Enabled,
		Logger:   log,
		Task: func(ctx context.Context) error {
			res, err := notificationService.ProcessPendingNotifications(ctx, cfg.Delivery.BatchSize)
			logBatch(log, "notification batch processed", res)

			return err
		},
	}

	return loop, func() {
		_ = reg.Unregister()
		redisClient.Close()
	}, nil
}

// SweeperLoop builds the retention sweeper loop.
func SweeperLoop(cfg *config.Config, pool *pgxpool.Pool, log *slog.Logger) worker.Loop {
	retention := NewRetentionService(cfg, pool, log)

	log.Info("retention sweeper configured",
		slog.Duration("interval", cfg.Retention.Interval),
		slog.Duration("published_ttl", cfg.Retention.PublishedTTL),
		slog.Duration("sent_ttl", cfg.Retention.SentTTL),
		slog.Duration("failed_ttl", cfg.Retention.FailedTTL),
	)

	return worker.Loop{
		Name:     "retention_sweeper",
		Interval: cfg.Retention.Interval,
		Enabled:  cfg.Retention.Enabled,
		Logger:   log,
		Task: func(ctx context.Context) error {
			_, err := retention.Sweep(ctx)

			return err
		},
	}
}

// NewRetentionService wires a RetentionService against pool.
func NewRetentionService(cfg *config.Config, pool *pgxpool.Pool, log *slog.Logger) service.RetentionService {
	return service.NewRetentionServiceImpl(
		repository.NewTransactionManagerImpl(pool),
		repository.NewAdvisoryLockerImpl(pool),
		repository.NewOutboxRepositoryImpl(pool),
		repository.NewNotificationRepositoryImpl(pool),
		repository.NewIdempotencyRepositoryImpl(pool),
		cfg.Retention,
		time.Now,
		log,
	)
}

// NewSender wraps the log sink so duplicates are skipped before they consume rate budget.
func NewSender(cfg *config.Config, client rueidis.Client, log *slog.Logger) notifier.Sender {
	var sender notifier.Sender = notifier.NewLogSender(log, mailProcessingDelay)
	sender = notifier.NewRateLimitedSender(sender, cfg.Notifier.RateLimit, cfg.Notifier.Burst)

	return notifier.NewDedupSender(sender, notifier.NewRedisDedupStore(client, dedupKeyPrefix), cfg.Notifier.DedupTTL, log)
}

// CheckDedupWindow warns when a row could be republished after the broker has
// forgotten its first publish.
func CheckDedupWindow(cfg *config.Config, log *slog.Logger) bool {
	span := retry.FromConfig(cfg.Publisher).MaxRetrySpan(cfg.Publisher.Lease)
	if cfg.Broker.DedupWindow >= span {
		return true
	}

	log.Warn("broker dedup window is shorter than the worst-case retry span",
		slog.Duration("dedup_window", cfg.Broker.DedupWindow),
		slog.Duration("max_retry_span", span),
	)

	return false
}

func registerGauges(log *slog.Logger, sources ...metrics.StatsSource) (metric.Registration, error) {
	return metrics.RegisterQueueGauges(otel.Meter(metrics.InstrumentationName), time.Now, log, sources...)
}

func logBatch(log *slog.Logger, msg string, res model.BatchResult) {
	if res.Leased == 0 {
		return
	}

	log.Info(msg,
		slog.Int("leased", res.Leased),
		slog.Int("succeeded", res.Succeeded),
		slog.Int("retried", res.Retried),
		slog.Int("failed", res.Failed),
		slog.Int("lease_lost", res.LeaseLost),
	)
}
