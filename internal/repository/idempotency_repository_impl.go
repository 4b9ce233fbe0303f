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

// IdempotencyRepositoryImpl implements IdempotencyRepository using PostgreSQL.
type IdempotencyRepositoryImpl struct {
	queries
}

// NewIdempotencyRepositoryImpl creates a new IdempotencyRepository implementation.
func NewIdempotencyRepositoryImpl(pool *pgxpool.Pool) IdempotencyRepository {
	return &IdempotencyRepositoryImpl{queries{db: db.New(pool)}}
}

// Reserve inserts a pending record for the key.
func (r *IdempotencyRepositoryImpl) Reserve(ctx context.Context, params *model.ReserveIdempotencyParams) (bool, error) {
	_, err := r.from(ctx).ReserveIdempotencyKey(ctx, &db.ReserveIdempotencyKeyParams{
		Key:         params.Key,
		RequestHash: params.RequestHash,
		ExpiresAt:   timestamptz(params.ExpiresAt),
		CreatedAt:   timestamptz(params.Now),
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}

// Get returns model.ErrNotFound when no record exists for key.
func (r *IdempotencyRepositoryImpl) Get(ctx context.Context, key string) (*model.IdempotencyRecord, error) {
	rec, err := r.from(ctx).GetIdempotencyKey(ctx, key)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return &model.IdempotencyRecord{
		Key:          rec.Key,
		RequestHash:  rec.RequestHash,
		ResponseCode: int(rec.ResponseCode),
		ResponseBody: rec.ResponseBody,
		ExpiresAt:    rec.ExpiresAt.Time,
		CreatedAt:    rec.CreatedAt.Time,
	}, nil
}

// Finalize stores the response. It fails with model.ErrNotFound unless the caller holds the reservation.
func (r *IdempotencyRepositoryImpl) Finalize(ctx context.Context, params *model.FinalizeIdempotencyParams) error {
	n, err := r.from(ctx).FinalizeIdempotencyKey(ctx, &db.FinalizeIdempotencyKeyParams{
		Key:          params.Key,
		RequestHash:  params.RequestHash,
		ResponseCode: int32(params.ResponseCode),
		ResponseBody: params.ResponseBody,
		ExpiresAt:    timestamptz(params.ExpiresAt),
	})
	if err != nil {
		return err
	}

	if n == 0 {
		return model.ErrNotFound
	}

	return nil
}

// DeleteExpired removes at most limit records whose expires_at has passed.
func (r *IdempotencyRepositoryImpl) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	return r.from(ctx).DeleteExpiredIdempotencyKeys(ctx, &db.DeleteExpiredIdempotencyKeysParams{
		Now:   timestamptz(now),
		Limit: int32(limit),
	})
}
