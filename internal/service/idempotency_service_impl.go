package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jnst/outbox-pipeline/internal/model"
	"github.com/jnst/outbox-pipeline/internal/repository"
)

const reserveAttempts = 2

// IdempotencyServiceImpl implements IdempotencyService on top of IdempotencyRepository.
type IdempotencyServiceImpl struct {
	repo           repository.IdempotencyRepository
	transactionMgr repository.TransactionManager
	ttl            time.Duration
	now            func() time.Time
}

// NewIdempotencyServiceImpl creates a new IdempotencyService implementation.
func NewIdempotencyServiceImpl(
	repo repository.IdempotencyRepository,
	transactionMgr repository.TransactionManager,
	ttl time.Duration,
	now func() time.Time,
) IdempotencyService {
	return &IdempotencyServiceImpl{
		repo:           repo,
		transactionMgr: transactionMgr,
		ttl:            ttl,
		now:            now,
	}
}

// Lookup returns the unexpired record for key, or nil.
func (s *IdempotencyServiceImpl) Lookup(ctx context.Context, key string) (*model.IdempotencyRecord, error) {
	rec, err := s.repo.Get(ctx, key)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}

	if !rec.ExpiresAt.After(s.now()) {
		return nil, nil
	}

	return rec, nil
}

// ReserveOrReplay reserves key for the caller or reports the prior outcome.
// Called inside the command transaction, a concurrent duplicate blocks on the key
// until the first transaction ends and then sees its committed record.
func (s *IdempotencyServiceImpl) ReserveOrReplay(
	ctx context.Context, key, requestHash string,
) (*model.IdempotencyDecision, error) {
	if strings.TrimSpace(key) == "" {
		return nil, model.ErrIdempotencyKeyRequired
	}

	for range reserveAttempts {
		reserved, err := s.reserve(ctx, key, requestHash)
		if err != nil {
			return nil, err
		}

		if reserved {
			return &model.IdempotencyDecision{Kind: model.DecisionExecute}, nil
		}

		rec, err := s.repo.Get(ctx, key)
		if errors.Is(err, model.ErrNotFound) {
			// Deleted by the sweeper between the two statements.
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("failed to read idempotency key: %w", err)
		}

		if rec.RequestHash != requestHash {
			return &model.IdempotencyDecision{Kind: model.DecisionConflict, Record: rec}, nil
		}

		if !rec.Finalized() {
			return nil, model.ErrRequestInProgress
		}

		return &model.IdempotencyDecision{Kind: model.DecisionReplay, Record: rec}, nil
	}

	return nil, model.ErrRequestInProgress
}

// reserve runs the insert in a savepoint so a unique violation leaves the
// surrounding transaction usable for the re-read.
func (s *IdempotencyServiceImpl) reserve(ctx context.Context, key, requestHash string) (bool, error) {
	now := s.now()

	var reserved bool

	err := s.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		reserved, err = s.repo.Reserve(ctx, &model.ReserveIdempotencyParams{
			Key:         key,
			RequestHash: requestHash,
			Now:         now,
			ExpiresAt:   now.Add(s.ttl),
		})

		return err
	})
	if err != nil {
		if repository.IsUniqueViolation(err) {
			return false, nil
		}

		return false, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}

	return reserved, nil
}

// Finalize stores the response for a key reserved by this transaction.
func (s *IdempotencyServiceImpl) Finalize(
	ctx context.Context, key, requestHash string, responseCode int, responseBody []byte,
) error {
	err := s.repo.Finalize(ctx, &model.FinalizeIdempotencyParams{
		Key:          key,
		RequestHash:  requestHash,
		ResponseCode: responseCode,
		ResponseBody: responseBody,
		ExpiresAt:    s.now().Add(s.ttl),
	})
	if err != nil {
		return fmt.Errorf("failed to finalize idempotency key: %w", err)
	}

	return nil
}
