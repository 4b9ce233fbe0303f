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

const notificationQueue = "notifications"

// NotificationRepositoryImpl implements NotificationRepository using PostgreSQL.
type NotificationRepositoryImpl struct {
	queries
}

// NewNotificationRepositoryImpl creates a new NotificationRepository implementation.
func NewNotificationRepositoryImpl(pool *pgxpool.Pool) NotificationRepository {
	return &NotificationRepositoryImpl{queries{db: db.New(pool)}}
}

// Create enqueues a notification unless one exists for the same source event.
func (r *NotificationRepositoryImpl) Create(ctx context.Context, params *model.CreateNotificationParams) (bool, error) {
	n, err := r.from(ctx).CreateNotification(ctx, &db.CreateNotificationParams{
		ID:            params.ID,
		SourceEventID: params.SourceEventID,
		TargetUserID:  params.TargetUserID,
		Type:          string(params.Type),
		Payload:       params.Payload,
		CreatedAt:     timestamptz(params.CreatedAt),
	})
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

// Get retrieves a notification by ID.
func (r *NotificationRepositoryImpl) Get(ctx context.Context, id string) (*model.Notification, error) {
	return notificationOrNotFound(r.from(ctx).GetNotification(ctx, id))
}

// GetBySourceEventID retrieves the notification derived from an event.
func (r *NotificationRepositoryImpl) GetBySourceEventID(
	ctx context.Context, sourceEventID string,
) (*model.Notification, error) {
	return notificationOrNotFound(r.from(ctx).GetNotificationBySourceEventID(ctx, sourceEventID))
}

// Lease claims due PENDING rows and PROCESSING rows whose lease expired.
func (r *NotificationRepositoryImpl) Lease(ctx context.Context, params model.LeaseParams) ([]*model.Notification, error) {
	rows, err := r.from(ctx).LeaseNotifications(ctx, &db.LeaseNotificationsParams{
		Now:        timestamptz(params.Now),
		Owner:      params.Owner,
		LeaseUntil: timestamptz(params.LeaseUntil()),
		Limit:      int32(params.Limit),
	})
	if err != nil {
		return nil, err
	}

	return toNotifications(rows), nil
}

// MarkSent marks a leased notification as sent, or returns model.ErrLeaseLost.
func (r *NotificationRepositoryImpl) MarkSent(ctx context.Context, params model.CompleteParams) error {
	n, err := r.from(ctx).MarkNotificationSent(ctx, &db.MarkNotificationSentParams{
		ID:     params.ID,
		Owner:  params.Owner,
		SentAt: timestamptz(params.Now),
	})

	return leaseQualified(n, err)
}

// RecordFailure reschedules a leased notification or parks it as FAILED.
func (r *NotificationRepositoryImpl) RecordFailure(ctx context.Context, params model.FailureParams) error {
	var (
		n   int64
		err error
	)

	if params.Terminal {
		n, err = r.from(ctx).FailNotification(ctx, &db.FailNotificationParams{
			ID:           params.ID,
			Owner:        params.Owner,
			AttemptCount: int32(params.AttemptCount),
			LastError:    text(params.LastError),
			FailedAt:     timestamptz(params.FailedAt),
		})
	} else {
		n, err = r.from(ctx).RescheduleNotification(ctx, &db.RescheduleNotificationParams{
			ID:           params.ID,
			Owner:        params.Owner,
			AttemptCount: int32(params.AttemptCount),
			NextRetryAt:  timestamptz(params.NextRetryAt),
			LastError:    text(params.LastError),
		})
	}

	return leaseQualified(n, err)
}

// ListFailed returns FAILED notifications, oldest first.
func (r *NotificationRepositoryImpl) ListFailed(ctx context.Context, limit int) ([]*model.Notification, error) {
	rows, err := r.from(ctx).ListFailedNotifications(ctx, int32(limit))
	if err != nil {
		return nil, err
	}

	return toNotifications(rows), nil
}

// Requeue moves a FAILED notification back to PENDING with a fresh attempt budget.
func (r *NotificationRepositoryImpl) Requeue(ctx context.Context, id string, now time.Time) error {
	n, err := r.from(ctx).RequeueNotification(ctx, &db.RequeueNotificationParams{
		ID:          id,
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
func (r *NotificationRepositoryImpl) Stats(ctx context.Context, now time.Time) (*model.QueueStats, error) {
	s, err := r.from(ctx).NotificationStats(ctx, timestamptz(now))
	if err != nil {
		return nil, err
	}

	return toQueueStats(notificationQueue, s), nil
}

// DeleteSentBefore removes at most limit notifications sent before the cutoff.
func (r *NotificationRepositoryImpl) DeleteSentBefore(ctx context.Context, before time.Time, limit int) (int64, error) {
	return r.from(ctx).DeleteSentNotifications(ctx, &db.DeleteNotificationsParams{
		Before: timestamptz(before),
		Limit:  int32(limit),
	})
}

// DeleteFailedBefore removes at most limit notifications that reached FAILED before the cutoff.
func (r *NotificationRepositoryImpl) DeleteFailedBefore(ctx context.Context, before time.Time, limit int) (int64, error) {
	return r.from(ctx).DeleteFailedNotifications(ctx, &db.DeleteNotificationsParams{
		Before: timestamptz(before),
		Limit:  int32(limit),
	})
}

func notificationOrNotFound(n db.Notification, err error) (*model.Notification, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return toNotification(n), nil
}

func toNotifications(rows []db.Notification) []*model.Notification {
	out := make([]*model.Notification, len(rows))
	for i, n := range rows {
		out[i] = toNotification(n)
	}

	return out
}

func toNotification(n db.Notification) *model.Notification {
	return &model.Notification{
		ID:            n.ID,
		SourceEventID: n.SourceEventID,
		TargetUserID:  n.TargetUserID,
		Type:          model.NotificationType(n.Type),
		Payload:       n.Payload,
		Status:        model.NotificationStatus(n.Status),
		LockedBy:      n.LockedBy.String,
		LockedAt:      timePtr(n.LockedAt),
		LeaseUntil:    timePtr(n.LeaseUntil),
		AttemptCount:  int(n.AttemptCount),
		NextRetryAt:   n.NextRetryAt.Time,
		LastError:     n.LastError.String,
		CreatedAt:     n.CreatedAt.Time,
		SentAt:        timePtr(n.SentAt),
		FailedAt:      timePtr(n.FailedAt),
	}
}
