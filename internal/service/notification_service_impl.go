package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jnst/outbox-pipeline/internal/model"
	"github.com/jnst/outbox-pipeline/internal/notifier"
	"github.com/jnst/outbox-pipeline/internal/repository"
)

// NotificationServiceImpl implements NotificationService with the same lease and
// backoff state machine as the outbox publisher.
type NotificationServiceImpl struct {
	notificationRepo repository.NotificationRepository
	sender           notifier.Sender
	opts             LeaseOptions
	now              func() time.Time
	logger           *slog.Logger
}

// NewNotificationServiceImpl creates a new NotificationService implementation.
func NewNotificationServiceImpl(
	notificationRepo repository.NotificationRepository,
	sender notifier.Sender,
	opts LeaseOptions,
	now func() time.Time,
	logger *slog.Logger,
) NotificationService {
	return &NotificationServiceImpl{
		notificationRepo: notificationRepo,
		sender:           sender,
		opts:             opts,
		now:              now,
		logger:           logger.With(slog.String("component", "delivery_worker"), slog.String("worker_id", opts.Owner)),
	}
}

// ProcessPendingNotifications leases due notifications and sends them.
func (s *NotificationServiceImpl) ProcessPendingNotifications(ctx context.Context, limit int) (model.BatchResult, error) {
	var result model.BatchResult

	items, err := s.notificationRepo.Lease(ctx, s.opts.leaseParams(s.now(), limit))
	if err != nil {
		return result, fmt.Errorf("failed to lease notifications: %w", err)
	}

	result.Leased = len(items)
	if len(items) == 0 {
		return result, nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.opts.Lease)
	defer cancel()

	for i, n := range items {
		if sendCtx.Err() != nil {
			s.logger.Warn("lease deadline reached, leaving remaining notifications", slog.Int("remaining", len(items)-i))

			break
		}

		s.processNotification(ctx, sendCtx, n, &result)
	}

	return result, nil
}

func (s *NotificationServiceImpl) processNotification(
	ctx, sendCtx context.Context, n *model.Notification, result *model.BatchResult,
) {
	sendErr := s.send(sendCtx, n)
	if sendErr == nil {
		err := s.notificationRepo.MarkSent(ctx, model.CompleteParams{ID: n.ID, Owner: s.opts.Owner, Now: s.now()})
		s.recordOutcome(n, err, result, func() { result.Succeeded++ })

		return
	}

	failure := s.opts.failure(n.ID, n.AttemptCount, sendErr, s.now())
	err := s.notificationRepo.RecordFailure(ctx, failure)
	s.recordOutcome(n, err, result, func() {
		if failure.Terminal {
			result.Failed++
			s.logger.Error("notification failed permanently",
				slog.String("notification_id", n.ID),
				slog.Int("attempt_count", failure.AttemptCount),
				slog.String("error", sendErr.Error()),
			)

			return
		}

		result.Retried++
		s.logger.Warn("failed to send notification, will retry",
			slog.String("notification_id", n.ID),
			slog.Int("attempt_count", failure.AttemptCount),
			slog.Time("next_retry_at", failure.NextRetryAt),
			slog.String("error", sendErr.Error()),
		)
	})
}

func (s *NotificationServiceImpl) send(ctx context.Context, n *model.Notification) error {
	ctx, span := tracer.Start(ctx, "notification.send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("notification.id", n.ID),
			attribute.String("notification.type", string(n.Type)),
			attribute.String("notification.source_event_id", n.SourceEventID),
		),
	)
	defer span.End()

	if err := s.sender.Send(ctx, n); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return err
	}

	return nil
}

func (s *NotificationServiceImpl) recordOutcome(n *model.Notification, err error, result *model.BatchResult, onSuccess func()) {
	switch {
	case err == nil:
		onSuccess()
	case errors.Is(err, model.ErrLeaseLost):
		result.LeaseLost++
		s.logger.Warn("lease lost, skipping notification", slog.String("notification_id", n.ID))
	default:
		s.logger.Error("failed to update notification",
			slog.String("notification_id", n.ID),
			slog.String("error", err.Error()),
		)
	}
}
