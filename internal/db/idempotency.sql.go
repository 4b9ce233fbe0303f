package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const reserveIdempotencyKey = `-- name: ReserveIdempotencyKey :one
INSERT INTO idempotency_keys (key, request_hash, response_code, response_body, expires_at, created_at)
VALUES ($1, $2, 0, NULL, $3, $4)
ON CONFLICT (key) DO UPDATE
SET request_hash  = EXCLUDED.request_hash,
    response_code = 0,
    response_body = NULL,
    expires_at    = EXCLUDED.expires_at,
    created_at    = EXCLUDED.created_at
WHERE idempotency_keys.expires_at <= EXCLUDED.created_at
RETURNING key
`

type ReserveIdempotencyKeyParams struct {
	Key         string
	RequestHash string
	ExpiresAt   pgtype.Timestamptz
	CreatedAt   pgtype.Timestamptz
}

// ReserveIdempotencyKey returns pgx.ErrNoRows when an unexpired record already holds the key.
func (q *Queries) ReserveIdempotencyKey(ctx context.Context, arg *ReserveIdempotencyKeyParams) (string, error) {
	row := q.db.QueryRow(ctx, reserveIdempotencyKey,
		arg.Key,
		arg.RequestHash,
		arg.ExpiresAt,
		arg.CreatedAt,
	)
	var key string
	err := row.Scan(&key)
	return key, err
}

const getIdempotencyKey = `-- name: GetIdempotencyKey :one
SELECT key, request_hash, response_code, response_body, expires_at, created_at
FROM idempotency_keys
WHERE key = $1
`

func (q *Queries) GetIdempotencyKey(ctx context.Context, key string) (IdempotencyKey, error) {
	row := q.db.QueryRow(ctx, getIdempotencyKey, key)
	var i IdempotencyKey
	err := row.Scan(
		&i.Key,
		&i.RequestHash,
		&i.ResponseCode,
		&i.ResponseBody,
		&i.ExpiresAt,
		&i.CreatedAt,
	)
	return i, err
}

const finalizeIdempotencyKey = `-- name: FinalizeIdempotencyKey :execrows
UPDATE idempotency_keys
SET response_code = $3, response_body = $4, expires_at = $5
WHERE key = $1 AND request_hash = $2 AND response_code = 0
`

type FinalizeIdempotencyKeyParams struct {
	Key          string
	RequestHash  string
	ResponseCode int32
	ResponseBody []byte
	ExpiresAt    pgtype.Timestamptz
}

func (q *Queries) FinalizeIdempotencyKey(ctx context.Context, arg *FinalizeIdempotencyKeyParams) (int64, error) {
	result, err := q.db.Exec(ctx, finalizeIdempotencyKey,
		arg.Key,
		arg.RequestHash,
		arg.ResponseCode,
		arg.ResponseBody,
		arg.ExpiresAt,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const deleteExpiredIdempotencyKeys = `-- name: DeleteExpiredIdempotencyKeys :execrows
DELETE FROM idempotency_keys
WHERE key IN (
    SELECT key FROM idempotency_keys
    WHERE expires_at <= $1
    ORDER BY expires_at
    LIMIT $2
)
`

type DeleteExpiredIdempotencyKeysParams struct {
	Now   pgtype.Timestamptz
	Limit int32
}

func (q *Queries) DeleteExpiredIdempotencyKeys(ctx context.Context, arg *DeleteExpiredIdempotencyKeysParams) (int64, error) {
	result, err := q.db.Exec(ctx, deleteExpiredIdempotencyKeys, arg.Now, arg.Limit)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
