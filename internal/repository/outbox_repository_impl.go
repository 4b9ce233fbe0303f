package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/outbox-pipeline/internal/db"
	"github.com/jnst/outbox-pipeline/internal/model"
)

const outboxQueue = "outbox_events"

// OutboxRepositoryImpl implements OutboxRepository using PostgreSQL.
type OutboxRepositoryImpl struct {
	queries
}

// NewOutboxRepositoryImpl creates a new OutboxRepository implementation.
func NewOutboxRepositoryImpl(pool *pgxpool.Pool) OutboxRepository {
	return &OutboxRepositoryImpl{queries{db: db.New(pool)}}
}

// CreateEvent creates a new outbox event. It must be called within the mutation's transaction.
func (r *OutboxRepositoryImpl) CreateEvent(
	ctx context.Context, params *model.CreateOutboxEventParams,
) (*model.OutboxEvent, error) {
	dbEvent, err := r.from(ctx).CreateOutboxEvent(ctx, &db.CreateOutboxEventParams{
		EventID:      params.EventID,
		EventType:    params.EventType,
		AggregateKey: params.AggregateKey,
		Payload:      params.Payload,
		CreatedAt:    timestamptz(params.CreatedAt),
	})
	if err != nil {
		return nil, err
	}

	return toOutboxEvent(dbEvent), nil
}

// Get retrieves an outbox event by ID.
func (r *OutboxRepositoryImpl) Get(ctx context.Context, eventID string) (*model.OutboxEvent, error) {
	dbEvent, err := r.from(ctx).GetOutboxEvent(ctx, eventID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return toOutboxEvent(dbEvent), nil
}

// Lease claims due PENDING rows and IN_FLIGHT rows whose lease expired.
func (r *OutboxRepositoryImpl) Lease(ctx context.Context, params model.LeaseParams) ([]*model.OutboxEvent, error) {
	dbEvents, err := r.from(ctx).LeaseOutboxEvents(ctx, &db.LeaseOutboxEventsParams{
		Now:        timestamptz(params.Now),
		Owner:      params.Owner,
		LeaseUntil: timestamptz(params.LeaseUntil()),
		Limit:      int32(params.Limit),
	})
	if err != nil {
		return nil, err
	}

	return toOutboxEvents(dbEvents), nil
}

// MarkPublished marks a leased event as published, or returns model.ErrLeaseLost.
func (r *OutboxRepositoryImpl) MarkPublished(ctx context.Context, params model.CompleteParams) error {
	n, err := r.from(ctx).MarkOutboxEventPublished(ctx, &db.MarkOutboxEventPublishedParams{
		EventID:     params.ID,
		Owner:       params.Owner,
		PublishedAt: timestamptz(params.Now),
	})

	return leaseQualified(n, err)
}

// RecordFailure reschedules a leased event or parks it as FAILED.
func (r *OutboxRepositoryImpl) RecordFailure(ctx context.Context, params model.FailureParams) error {
	var (
		n   int64
		err error
	)

	if params.Terminal {
		n, err = r.from(ctx).FailOutboxEvent(ctx, &db.FailOutboxEventParams{
			EventID:      params.ID,
			Owner:        params.Owner,
			AttemptCount: int32(params.AttemptCount),
			LastError:    text(params.LastError),
			FailedAt:     timestamptz(params.FailedAt),
		})
	} else {
		n, err = r.from(ctx).RescheduleOutboxEvent(ctx, &db.RescheduleOutboxEventParams{
			EventID:      params.ID,
			Owner:        params.Owner,
			AttemptCount: int32(params.AttemptCount),
			NextRetryAt:  timestamptz(params.NextRetryAt),
			LastError:    text(params.LastError),
		})
	}

	return leaseQualified(n, err)
}

// ListFailed returns FAILED events, oldest first.
func (r *OutboxRepositoryImpl) ListFailed(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	dbEvents, err := r.from(ctx).ListFailedOutboxEvents(ctx, int32(limit))
	if err != nil {
		return nil, err
	}

	return toOutboxEvents(dbEvents), nil
}

// Requeue moves a FAILED event back to PENDING with a fresh attempt budget.
func (r *OutboxRepositoryImpl) Requeue(ctx context.Context, eventID string, now time.Time) error {
	n, err := r.from(ctx).RequeueOutboxEvent(ctx, &db.RequeueOutboxEventParams{
		EventID:     eventID,
		NextRetryAt: timestamptz(now),
	})
	if err != nil {
		return err
	}

	if n == 0 {
		return model.ErrNotFound
	}

	return nil
}

// Stats reads queue depth from the table.
func (r *OutboxRepositoryImpl) Stats(ctx context.Context, now time.Time) (*model.QueueStats, error) {
	s, err := r.from(ctx).OutboxStats(ctx, timestamptz(now))
	if err != nil {
		return nil, err
	}

	return toQueueStats(outboxQueue, s), nil
}

// DeletePublishedBefore removes at most limit events published before the cutoff.
func (r *OutboxRepositoryImpl) DeletePublishedBefore(ctx context.Context, before time.Time, limit int) (int64, error) {
	return r.from(ctx).DeletePublishedOutboxEvents(ctx, &db.DeleteOutboxEventsParams{
		Before: timestamptz(before),
		Limit:  int32(limit),
	})
}

// DeleteFailedBefore removes at most limit events that reached FAILED before the cutoff.
func (r *OutboxRepositoryImpl) DeleteFailedBefore(ctx context.Context, before time.Time, limit int) (int64, error) {
	return r.from(ctx).DeleteFailedOutboxEvents(ctx, &db.DeleteOutboxEventsParams{
		Before: timestamptz(before),
		Limit:  int32(limit),
	})
}

func leaseQualified(n int64, err error) error {
	if err != nil {
		return err
	}

	if n == 0 {
		return model.ErrLeaseLost
	}

	return nil
}

func toQueueStats(queue string, s db.QueueStats) *model.QueueStats {
	return &model.QueueStats{
		Queue:            queue,
		Pending:          s.Pending,
		Leased:           s.Leased,
		Failed:           s.Failed,
		Done:             s.Done,
		OldestPendingAge: time.Duration(s.OldestPendingSeconds * float64(time.Second)),
	}
}

func toOutboxEvents(dbEvents []db.OutboxEvent) []*model.OutboxEvent {
	events := make([]*model.OutboxEvent, len(dbEvents))
	for i, dbEvent := range dbEvents {
		events[i] = toOutboxEvent(dbEvent)
	}

	return events
}

func toOutboxEvent(e db.OutboxEvent) *model.OutboxEvent {
	return &model.OutboxEvent{
		EventID:      e.EventID,
		EventType:    e.EventType,
		AggregateKey: e.AggregateKey,
		Payload:      e.Payload,
		AttemptCount: int(e.AttemptCount),
		Status:       model.OutboxStatus(e.Status),
		NextRetryAt:  e.NextRetryAt.Time,
		LeaseOwner:   e.LeaseOwner.String,
		LeaseUntil:   timePtr(e.LeaseUntil),
		LastError:    e.LastError.String,
		CreatedAt:    e.CreatedAt.Time,
		PublishedAt:  timePtr(e.PublishedAt),
		FailedAt:     timePtr(e.FailedAt),
	}
}
