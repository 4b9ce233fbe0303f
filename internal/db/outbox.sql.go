package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const createOutboxEvent = `-- name: CreateOutboxEvent :one
INSERT INTO outbox_events (event_id, event_type, aggregate_key, payload, status, next_retry_at, created_at)
VALUES ($1::uuid, $2, $3, $4, 'PENDING', $5, $5)
RETURNING event_id::text, event_type, aggregate_key, payload, attempt_count, status, next_retry_at,
    lease_owner, lease_until, last_error, created_at, published_at, failed_at
`

type CreateOutboxEventParams struct {
	EventID      string
	EventType    string
	AggregateKey string
	Payload      []byte
	CreatedAt    pgtype.Timestamptz
}

func (q *Queries) CreateOutboxEvent(ctx context.Context, arg *CreateOutboxEventParams) (OutboxEvent, error) {
	row := q.db.QueryRow(ctx, createOutboxEvent,
		arg.EventID,
		arg.EventType,
		arg.AggregateKey,
		arg.Payload,
		arg.CreatedAt,
	)
	return scanOutboxEvent(row)
}

const getOutboxEvent = `-- name: GetOutboxEvent :one
SELECT event_id::text, event_type, aggregate_key, payload, attempt_count, status, next_retry_at,
    lease_owner, lease_until, last_error, created_at, published_at, failed_at
FROM outbox_events
WHERE event_id = $1::uuid
`

func (q *Queries) GetOutboxEvent(ctx context.Context, eventID string) (OutboxEvent, error) {
	row := q.db.QueryRow(ctx, getOutboxEvent, eventID)
	return scanOutboxEvent(row)
}

const leaseOutboxEvents = `-- name: LeaseOutboxEvents :many
WITH candidates AS (
    SELECT event_id FROM outbox_events
    WHERE (status = 'PENDING' AND next_retry_at <= $1)
       OR (status = 'IN_FLIGHT' AND lease_until <= $1)
    ORDER BY next_retry_at, created_at
    LIMIT $4
    FOR UPDATE SKIP LOCKED
)
UPDATE outbox_events o
SET status = 'IN_FLIGHT', lease_owner = $2, lease_until = $3
FROM candidates c
WHERE o.event_id = c.event_id
RETURNING o.event_id::text, o.event_type, o.aggregate_key, o.payload, o.attempt_count, o.status, o.next_retry_at,
    o.lease_owner, o.lease_until, o.last_error, o.created_at, o.published_at, o.failed_at
`

type LeaseOutboxEventsParams struct {
	Now        pgtype.Timestamptz
	Owner      string
	LeaseUntil pgtype.Timestamptz
	Limit      int32
}

func (q *Queries) LeaseOutboxEvents(ctx context.Context, arg *LeaseOutboxEventsParams) ([]OutboxEvent, error) {
	rows, err := q.db.Query(ctx, leaseOutboxEvents, arg.Now, arg.Owner, arg.LeaseUntil, arg.Limit)
	if err != nil {
		return nil, err
	}
	return collectOutboxEvents(rows)
}

const markOutboxEventPublished = `-- name: MarkOutboxEventPublished :execrows
UPDATE outbox_events
SET status = 'PUBLISHED', published_at = $3, lease_owner = NULL, lease_until = NULL, last_error = NULL
WHERE event_id = $1::uuid AND status = 'IN_FLIGHT' AND lease_owner = $2
`

type MarkOutboxEventPublishedParams struct {
	EventID     string
	Owner       string
	PublishedAt pgtype.Timestamptz
}

func (q *Queries) MarkOutboxEventPublished(ctx context.Context, arg *MarkOutboxEventPublishedParams) (int64, error) {
	result, err := q.db.Exec(ctx, markOutboxEventPublished, arg.EventID, arg.Owner, arg.PublishedAt)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const rescheduleOutboxEvent = `-- name: RescheduleOutboxEvent :execrows
UPDATE outbox_events
SET status = 'PENDING', attempt_count = $3, next_retry_at = $4, last_error = $5,
    lease_owner = NULL, lease_until = NULL
WHERE event_id = $1::uuid AND status = 'IN_FLIGHT' AND lease_owner = $2
`

type RescheduleOutboxEventParams struct {
	EventID      string
	Owner        string
	AttemptCount int32
	NextRetryAt  pgtype.Timestamptz
	LastError    pgtype.Text
}

func (q *Queries) RescheduleOutboxEvent(ctx context.Context, arg *RescheduleOutboxEventParams) (int64, error) {
	result, err := q.db.Exec(ctx, rescheduleOutboxEvent,
		arg.EventID,
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

const failOutboxEvent = `-- name: FailOutboxEvent :execrows
UPDATE outbox_events
SET status = 'FAILED', attempt_count = $3, last_error = $4, failed_at = $5, lease_owner = NULL, lease_until = NULL
WHERE event_id = $1::uuid AND status = 'IN_FLIGHT' AND lease_owner = $2
`

type FailOutboxEventParams struct {
	EventID      string
	Owner        string
	AttemptCount int32
	LastError    pgtype.Text
	FailedAt     pgtype.Timestamptz
}

func (q *Queries) FailOutboxEvent(ctx context.Context, arg *FailOutboxEventParams) (int64, error) {
	result, err := q.db.Exec(ctx, failOutboxEvent, arg.EventID, arg.Owner, arg.AttemptCount, arg.LastError, arg.FailedAt)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const listFailedOutboxEvents = `-- name: ListFailedOutboxEvents :many
SELECT event_id::text, event_type, aggregate_key, payload, attempt_count, status, next_retry_at,
    lease_owner, lease_until, last_error, created_at, published_at, failed_at
FROM outbox_events
WHERE status = 'FAILED'
ORDER BY failed_at
LIMIT $1
`

func (q *Queries) ListFailedOutboxEvents(ctx context.Context, limit int32) ([]OutboxEvent, error) {
	rows, err := q.db.Query(ctx, listFailedOutboxEvents, limit)
	if err != nil {
		return nil, err
	}
	return collectOutboxEvents(rows)
}

const requeueOutboxEvent = `-- name: RequeueOutboxEvent :execrows
UPDATE outbox_events
SET status = 'PENDING', attempt_count = 0, next_retry_at = $2, last_error = NULL, failed_at = NULL
WHERE event_id = $1::uuid AND status = 'FAILED'
`

type RequeueOutboxEventParams struct {
	EventID     string
	NextRetryAt pgtype.Timestamptz
}

func (q *Queries) RequeueOutboxEvent(ctx context.Context, arg *RequeueOutboxEventParams) (int64, error) {
	result, err := q.db.Exec(ctx, requeueOutboxEvent, arg.EventID, arg.NextRetryAt)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const outboxStats = `-- name: OutboxStats :one
SELECT
    count(*) FILTER (WHERE status = 'PENDING')   AS pending,
    count(*) FILTER (WHERE status = 'IN_FLIGHT') AS leased,
    count(*) FILTER (WHERE status = 'FAILED')    AS failed,
    count(*) FILTER (WHERE status = 'PUBLISHED') AS done,
    COALESCE(EXTRACT(EPOCH FROM ($1::timestamptz - min(created_at) FILTER (WHERE status = 'PENDING'))), 0)::float8
        AS oldest_pending_seconds
FROM outbox_events
`

func (q *Queries) OutboxStats(ctx context.Context, now pgtype.Timestamptz) (QueueStats, error) {
	row := q.db.QueryRow(ctx, outboxStats, now)
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

const deletePublishedOutboxEvents = `-- name: DeletePublishedOutboxEvents :execrows
DELETE FROM outbox_events
WHERE event_id IN (
    SELECT event_id FROM outbox_events
    WHERE status = 'PUBLISHED' AND published_at < $1
    ORDER BY published_at
    LIMIT $2
)
`

type DeleteOutboxEventsParams struct {
	Before pgtype.Timestamptz
	Limit  int32
}

func (q *Queries) DeletePublishedOutboxEvents(ctx context.Context, arg *DeleteOutboxEventsParams) (int64, error) {
	result, err := q.db.Exec(ctx, deletePublishedOutboxEvents, arg.Before, arg.Limit)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const deleteFailedOutboxEvents = `-- name: DeleteFailedOutboxEvents :execrows
DELETE FROM outbox_events
WHERE event_id IN (
    SELECT event_id FROM outbox_events
    WHERE status = 'FAILED' AND failed_at < $1
    ORDER BY failed_at
    LIMIT $2
)
`

func (q *Queries) DeleteFailedOutboxEvents(ctx context.Context, arg *DeleteOutboxEventsParams) (int64, error) {
	result, err := q.db.Exec(ctx, deleteFailedOutboxEvents, arg.Before, arg.Limit)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

func scanOutboxEvent(row pgx.Row) (OutboxEvent, error) {
	var i OutboxEvent
	err := row.Scan(
		&i.EventID,
		&i.EventType,
		&i.AggregateKey,
		&i.Payload,
		&i.AttemptCount,
		&i.Status,
		&i.NextRetryAt,
		&i.LeaseOwner,
		&i.LeaseUntil,
		&i.LastError,
		&i.CreatedAt,
		&i.PublishedAt,
		&i.FailedAt,
	)
	return i, err
}

func collectOutboxEvents(rows pgx.Rows) ([]OutboxEvent, error) {
	defer rows.Close()
	var items []OutboxEvent
	for rows.Next() {
		i, err := scanOutboxEvent(rows)
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
