package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const createNotification = `-- name: CreateNotification :execrows
INSERT INTO notifications (id, source_event_id, target_user_id, type, payload, status, next_retry_at, created_at)
VALUES ($1::uuid, $2, $3, $4, $5, 'PENDING', $6, $6)
ON CONFLICT (source_event_id) DO NOTHING
`

type CreateNotificationParams struct {
	ID            string
	SourceEventID string
	TargetUserID  int64
	Type          string
	Payload       []byte
	CreatedAt     pgtype.Timestamptz
}

// CreateNotification returns 0 when a row for the source event already exists.
func (q *Queries) CreateNotification(ctx context.Context, arg *CreateNotificationParams) (int64, error) {
	result, err := q.db.Exec(ctx, createNotification,
		arg.ID,
		arg.SourceEventID,
		arg.TargetUserID,
		arg.Type,
		arg.Payload,
		arg.CreatedAt,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const getNotification = `-- name: GetNotification :one
SELECT id::text, source_event_id, target_user_id, type, payload, status, locked_by, locked_at, lease_until,
    attempt_count, next_retry_at, last_error, created_at, sent_at, failed_at
FROM notifications
WHERE id = $1::uuid
`

func (q *Queries) GetNotification(ctx context.Context, id string) (Notification, error) {
	row := q.db.QueryRow(ctx, getNotification, id)
	return scanNotification(row)
}

const getNotificationBySourceEventID = `-- name: GetNotificationBySourceEventID :one
SELECT id::text, source_event_id, target_user_id, type, payload, status, locked_by, locked_at, lease_until,
    attempt_count, next_retry_at, last_error, created_at, sent_at, failed_at
FROM notifications
WHERE source_event_id = $1
`

func (q *Queries) GetNotificationBySourceEventID(ctx context.Context, sourceEventID string) (Notification, error) {
	row := q.db.QueryRow(ctx, getNotificationBySourceEventID, sourceEventID)
	return scanNotification(row)
}

const leaseNotifications = `-- name: LeaseNotifications :many
WITH candidates AS (
    SELECT id FROM notifications
    WHERE (status = 'PENDING' AND next_retry_at <= $1)
       OR (status = 'PROCESSING' AND lease_until <= $1)
    ORDER BY next_retry_at, created_at
    LIMIT $4
    FOR UPDATE SKIP LOCKED
)
UPDATE notifications n
SET status = 'PROCESSING', locked_by = $2, locked_at = $1, lease_until = $3
FROM candidates c
WHERE n.id = c.id
RETURNING n.id::text, n.source_event_id, n.target_user_id, n.type, n.payload, n.status, n.locked_by, n.locked_at,
    n.lease_until, n.attempt_count, n.next_retry_at, n.last_error, n.created_at, n.sent_at, n.failed_at
`

type LeaseNotificationsParams struct {
	Now        pgtype.Timestamptz
	Owner      string
	LeaseUntil pgtype.Timestamptz
	Limit      int32
}

func (q *Queries) LeaseNotifications(ctx context.Context, arg *LeaseNotificationsParams) ([]Notification, error) {
	rows, err := q.db.Query(ctx, leaseNotifications, arg.Now, arg.Owner, arg.LeaseUntil, arg.Limit)
	if err != nil {
		return nil, err
	}
	return collectNotifications(rows)
}

const markNotificationSent = `-- name: MarkNotificationSent :execrows
UPDATE notifications
SET status = 'SENT', sent_at = $3, locked_by = NULL, locked_at = NULL, lease_until = NULL, last_error = NULL
WHERE id = $1::uuid AND status = 'PROCESSING' AND locked_by = $2
`

type MarkNotificationSentParams struct {
	ID     string
	Owner  string
	SentAt pgtype.Timestamptz
}

func (q *Queries) MarkNotificationSent(ctx context.Context, arg *MarkNotificationSentParams) (int64, error) {
	result, err := q.db.Exec(ctx, markNotificationSent, arg.ID, arg.Owner, arg.SentAt)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const rescheduleNotification = `-- name: RescheduleNotification :execrows
UPDATE notifications
SET status = 'PENDING', attempt_count = $3, next_retry_at = $4, last_error = $5,
    locked_by = NULL, locked_at = NULL, lease_until = NULL
WHERE id = $1::uuid AND status = 'PROCESSING' AND locked_by = $2
`

type RescheduleNotificationParams struct {
	ID           string
	Owner        string
	AttemptCount int32
	NextRetryAt  pgtype.Timestamptz
	LastError    pgtype.Text
}

func (q *Queries) RescheduleNotification(ctx context.Context, arg *RescheduleNotificationParams) (int64, error) {
	result, err := q.db.Exec(ctx, rescheduleNotification,
		arg.ID,
		arg.Owner,
		arg.AttemptCount,
		arg.NextRetryAt,
		arg.LastError,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const failNotification = `-- name: FailNotification :execrows
UPDATE notifications
SET status = 'FAILED', attempt_count = $3, last_error = $4, failed_at = $5, locked_by = NULL, locked_at = NULL, lease_until = NULL
WHERE id = $1::uuid AND status = 'PROCESSING' AND locked_by = $2
`

type FailNotificationParams struct {
	ID           string
	Owner        string
	AttemptCount int32
	LastError    pgtype.Text
	FailedAt     pgtype.Timestamptz
}

func (q *Queries) FailNotification(ctx context.Context, arg *FailNotificationParams) (int64, error) {
	result, err := q.db.Exec(ctx, failNotification, arg.ID, arg.Owner, arg.AttemptCount, arg.LastError, arg.FailedAt)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const listFailedNotifications = `-- name: ListFailedNotifications :many
SELECT id::text, source_event_id, target_user_id, type, payload, status, locked_by, locked_at, lease_until,
    attempt_count, next_retry_at, last_error, created_at, sent_at, failed_at
FROM notifications
WHERE status = 'FAILED'
ORDER BY failed_at
LIMIT $1
`

func (q *Queries) ListFailedNotifications(ctx context.Context, limit int32) ([]Notification, error) {
	rows, err := q.db.Query(ctx, listFailedNotifications, limit)
	if err != nil {
		return nil, err
	}
	return collectNotifications(rows)
}

const requeueNotification = `-- name: RequeueNotification :execrows
UPDATE notifications
SET status = 'PENDING', attempt_count = 0, next_retry_at = $2, last_error = NULL, failed_at = NULL
WHERE id = $1::uuid AND status = 'FAILED'
`

type RequeueNotificationParams struct {
	ID          string
	NextRetryAt pgtype.Timestamptz
}

func (q *Queries) RequeueNotification(ctx context.Context, arg *RequeueNotificationParams) (int64, error) {
	result, err := q.db.Exec(ctx, requeueNotification, arg.ID, arg.NextRetryAt)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const notificationStats = `-- name: NotificationStats :one
SELECT
    count(*) FILTER (WHERE status = 'PENDING')    AS pending,
    count(*) FILTER (WHERE status = 'PROCESSING') AS leased,
    count(*) FILTER (WHERE status = 'FAILED')     AS failed,
    count(*) FILTER (WHERE status = 'SENT')       AS done,
    COALESCE(EXTRACT(EPOCH FROM ($1::timestamptz - min(created_at) FILTER (WHERE status = 'PENDING'))), 0)::float8
        AS oldest_pending_seconds
FROM notifications
`

func (q *Queries) NotificationStats(ctx context.Context, now pgtype.Timestamptz) (QueueStats, error) {
	row := q.db.QueryRow(ctx, notificationStats, now)
	var i QueueStats
	err := row.Scan(
		&i.Pending,
		&i.Leased,
		&i.Failed,
		&i.Done,
		&i.OldestPendingSeconds,
	)
	return i, err
}

const deleteSentNotifications = `-- name: DeleteSentNotifications :execrows
DELETE FROM notifications
WHERE id IN (
    SELECT id FROM notifications
    WHERE status = 'SENT' AND sent_at < $1
    ORDER BY sent_at
    LIMIT $2
)
`

type DeleteNotificationsParams struct {
	Before pgtype.Timestamptz
	Limit  int32
}

func (q *Queries) DeleteSentNotifications(ctx context.Context, arg *DeleteNotificationsParams) (int64, error) {
	result, err := q.db.Exec(ctx, deleteSentNotifications, arg.Before, arg.Limit)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const deleteFailedNotifications = `-- name: DeleteFailedNotifications :execrows
DELETE FROM notifications
WHERE id IN (
    SELECT id FROM notifications
    WHERE status = 'FAILED' AND failed_at < $1
    ORDER BY failed_at
    LIMIT $2
)
`

func (q *Queries) DeleteFailedNotifications(ctx context.Context, arg *DeleteNotificationsParams) (int64, error) {
	result, err := q.db.Exec(ctx, deleteFailedNotifications, arg.Before, arg.Limit)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

func scanNotification(row pgx.Row) (Notification, error) {
	var i Notification
	err := row.Scan(
		&i.ID,
		&i.SourceEventID,
		&i.TargetUserID,
		&i.Type,
		&i.Payload,
		&i.Status,
		&i.LockedBy,
		&i.LockedAt,
		&i.LeaseUntil,
		&i.AttemptCount,
		&i.NextRetryAt,
		&i.LastError,
		&i.CreatedAt,
		&i.SentAt,
		&i.FailedAt,
	)
	return i, err
}

func collectNotifications(rows pgx.Rows) ([]Notification, error) {
	defer rows.Close()
	var items []Notification
	for rows.Next() {
		i, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
