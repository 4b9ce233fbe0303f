package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jnst/outbox-pipeline/internal/config"
	"github.com/jnst/outbox-pipeline/internal/model"
	"github.com/jnst/outbox-pipeline/internal/repository"
)

// SweepLockKey is the advisory lock held by the sweeping replica.
const SweepLockKey int64 = 0x6f7574626f78 // "outbox"

// RetentionServiceImpl implements RetentionService.
type RetentionServiceImpl struct {
	transactionMgr   repository.TransactionManager
	locker           repository.AdvisoryLocker
	outboxRepo       repository.OutboxRepository
	notificationRepo repository.NotificationRepository
	idempotencyRepo  repository.IdempotencyRepository
	cfg              config.RetentionConfig
	now              func() time.Time
	logger           *slog.Logger
}

// NewRetentionServiceImpl creates a new RetentionService implementation.
func NewRetentionServiceImpl(
	transactionMgr repository.TransactionManager,
	locker repository.AdvisoryLocker,
	outboxRepo repository.OutboxRepository,
	notificationRepo repository.NotificationRepository,
	idempotencyRepo repository.IdempotencyRepository,
	cfg config.RetentionConfig,
	now func() time.Time,
	logger *slog.Logger,
) RetentionService {
	return &RetentionServiceImpl{
		transactionMgr:   transactionMgr,
		locker:           locker,
		outboxRepo:       outboxRepo,
		notificationRepo: notificationRepo,
		idempotencyRepo:  idempotencyRepo,
		cfg:              cfg,
		now:              now,
		logger:           logger.With(slog.String("component", "retention_sweeper")),
	}
}

type sweepStep struct {
	name  string
	ttl   time.Duration
	count *int64
	run   func(ctx context.Context, before time.Time, limit int) (int64, error)
}

// Sweep deletes terminal rows past their TTL. Only one replica sweeps at a time;
// the others report Skipped. Each category runs in its own savepoint so one failure
// does not discard the others.
func (s *RetentionServiceImpl) Sweep(ctx context.Context) (model.SweepResult, error) {
	var (
		result   model.SweepResult
		sweepErr error
	)

	now := s.now()
	steps := []sweepStep{
		{"outbox_published", s.cfg.PublishedTTL, &result.OutboxPublished, s.outboxRepo.DeletePublishedBefore},
		{"outbox_failed", s.cfg.FailedTTL, &result.OutboxFailed, s.outboxRepo.DeleteFailedBefore},
		{"notifications_sent", s.cfg.SentTTL, &result.NotificationsSent, s.notificationRepo.DeleteSentBefore},
		{"notifications_failed", s.cfg.FailedTTL, &result.NotificationsFailed, s.notificationRepo.DeleteFailedBefore},
	}

	err := s.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
		acquired, err := s.locker.TryXactLock(ctx, SweepLockKey)
		if err != nil {
			return fmt.Errorf("failed to acquire sweep lock: %w", err)
		}

		if !acquired {
			result.Skipped = true

			return nil
		}

		var errs []error

		for _, step := range steps {
			if step.ttl <= 0 {
				continue
			}

			errs = append(errs, s.runStep(ctx, step.name, step.count, func(ctx context.Context) (int64, error) {
				return step.run(ctx, now.Add(-step.ttl), s.cfg.BatchLimit)
			}))
		}

		errs = append(errs, s.runStep(ctx, "idempotency_expired", &result.IdempotencyExpired,
			func(ctx context.Context) (int64, error) {
				return s.idempotencyRepo.DeleteExpired(ctx, now, s.cfg.BatchLimit)
			}))

		sweepErr = errors.Join(errs...)

		return nil
	})
	if err != nil {
		return result, err
	}

	if result.Skipped {
		s.logger.Debug("another replica holds the sweep lock")

		return result, sweepErr
	}

	s.logger.Info("retention sweep finished",
		slog.Int64("outbox_published", result.OutboxPublished),
		slog.Int64("outbox_failed", result.OutboxFailed),
		slog.Int64("notifications_sent", result.NotificationsSent),
		slog.Int64("notifications_failed", result.NotificationsFailed),
		slog.Int64("idempotency_expired", result.IdempotencyExpired),
	)

	return result, sweepErr
}

func (s *RetentionServiceImpl) runStep(
	ctx context.Context, name string, count *int64, del func(ctx context.Context) (int64, error),
) error {
	return s.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
		n, err := del(ctx)
		if err != nil {
			return fmt.Errorf("sweep %s: %w", name, err)
		}

		*count = n

		return nil
	})
}
