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

	"github.com/jnst/outbox-pipeline/internal/broker"
	"github.com/jnst/outbox-pipeline/internal/model"
	"github.com/jnst/outbox-pipeline/internal/repository"
)

// OutboxServiceImpl implements OutboxService for processing outbox events.
type OutboxServiceImpl struct {
	outboxRepo repository.OutboxRepository
	publisher  broker.Publisher
	opts       LeaseOptions
	now        func() time.Time
	logger     *slog.Logger
}

// NewOutboxServiceImpl creates a new OutboxService implementation.
func NewOutboxServiceImpl(
	outboxRepo repository.OutboxRepository,
	publisher broker.Publisher,
	opts LeaseOptions,
	now func() time.Time,
	logger *slog.Logger,
) OutboxService {
	return &OutboxServiceImpl{
		outboxRepo: outboxRepo,
		publisher:  publisher,
		opts:       opts,
		now:        now,
		logger:     logger.With(slog.String("component", "outbox_publisher"), slog.String("worker_id", opts.Owner)),
	}
}

// ProcessUnpublishedEvents leases due events, publishes them and records the outcome on each row.
// Publishing runs under a deadline equal to the lease so no call outlives it.
func (s *OutboxServiceImpl) ProcessUnpublishedEvents(ctx context.Context, limit int) (model.BatchResult, error) {
	var result model.BatchResult

	events, err := s.outboxRepo.Lease(ctx, s.opts.leaseParams(s.now(), limit))
	if err != nil {
		return result, fmt.Errorf("failed to lease outbox events: %w", err)
	}

	result.Leased = len(events)
	if len(events) == 0 {
		return result, nil
	}

	publishCtx, cancel := context.WithTimeout(ctx, s.opts.Lease)
	defer cancel()

	for i, event := range events {
		if publishCtx.Err() != nil {
			// Remaining rows keep their lease and are re-leased once it expires.
			s.logger.Warn("lease deadline reached, leaving remaining events", slog.Int("remaining", len(events)-i))

			break
		}

		s.processEvent(ctx, publishCtx, event, &result)
	}

	return result, nil
}

func (s *OutboxServiceImpl) processEvent(
	ctx, publishCtx context.Context, event *model.OutboxEvent, result *model.BatchResult,
) {
	pubErr := s.publish(publishCtx, event)
	if pubErr == nil {
		err := s.outboxRepo.MarkPublished(ctx, model.CompleteParams{ID: event.EventID, Owner: s.opts.Owner, Now: s.now()})
		s.recordOutcome(event, err, result, func() { result.Succeeded++ })

		return
	}

	failure := s.opts.failure(event.EventID, event.AttemptCount, pubErr, s.now())
	err := s.outboxRepo.RecordFailure(ctx, failure)
	s.recordOutcome(event, err, result, func() {
		if failure.Terminal {
			result.Failed++
			s.logger.Error("outbox event failed permanently",
				slog.String("event_id", event.EventID),
				slog.Int("attempt_count", failure.AttemptCount),
				slog.String("error", pubErr.Error()),
			)

			return
		}

		result.Retried++
		s.logger.Warn("failed to publish outbox event, will retry",
			slog.String("event_id", event.EventID),
			slog.Int("attempt_count", failure.AttemptCount),
			slog.Time("next_retry_at", failure.NextRetryAt),
			slog.String("error", pubErr.Error()),
		)
	})
}

func (s *OutboxServiceImpl) publish(ctx context.Context, event *model.OutboxEvent) error {
	ctx, span := tracer.Start(ctx, "outbox.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("event.id", event.EventID),
			attribute.String("event.type", event.EventType),
			attribute.Int("event.attempt_count", event.AttemptCount),
		),
	)
	defer span.End()

	res, err := s.publisher.Publish(ctx, broker.Message{
		ID:           event.EventID,
		EventType:    event.EventType,
		AggregateKey: event.AggregateKey,
		Payload:      event.Payload,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return fmt.Errorf("%w: %w", model.ErrTransientDependency, err)
	}

	span.SetAttributes(attribute.Bool("broker.duplicate", res.Duplicate))

	s.logger.Info("published event",
		slog.String("event_id", event.EventID),
		slog.String("event_type", event.EventType),
		slog.String("sequence", res.Sequence),
		slog.Bool("duplicate", res.Duplicate),
	)

	return nil
}

func (s *OutboxServiceImpl) recordOutcome(event *model.OutboxEvent, err error, result *model.BatchResult, onSuccess func()) {
	switch {
	case err == nil:
		onSuccess()
	case errors.Is(err, model.ErrLeaseLost):
		result.LeaseLost++
		s.logger.Warn("lease lost, skipping event", slog.String("event_id", event.EventID))
	default:
		s.logger.Error("failed to update outbox event",
			slog.String("event_id", event.EventID),
			slog.String("error", err.Error()),
		)
	}
}
