package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/outbox-pipeline/internal/db"
)

const uniqueViolation = "23505"

type txKey struct{}

// TransactionManagerImpl implements TransactionManager using PostgreSQL.
type TransactionManagerImpl struct {
	pool *pgxpool.Pool
}

// NewTransactionManagerImpl creates a new TransactionManager implementation.
func NewTransactionManagerImpl(pool *pgxpool.Pool) TransactionManager {
	return &TransactionManagerImpl{pool: pool}
}

// WithTransaction executes a function within a database transaction.
func (tm *TransactionManagerImpl) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	var (
		tx  pgx.Tx
		err error
	)

	if outer, ok := txFromContext(ctx); ok {
		tx, err = outer.Begin(ctx)
	} else {
		tx, err = tm.pool.Begin(ctx)
	}

	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			return fmt.Errorf("transaction failed: %w, rollback failed: %v", err, rollbackErr)
		}

		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func txFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)

	return tx, ok
}

// queries binds the repository's Queries to the transaction carried by ctx, if any.
type queries struct {
	db *db.Queries
}

func (q queries) from(ctx context.Context) *db.Queries {
	if tx, ok := txFromContext(ctx); ok {
		return q.db.WithTx(tx)
	}

	return q.db
}

// IsUniqueViolation reports whether err is a PostgreSQL unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func timestamptz(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}

	t := ts.Time

	return &t
}

func text(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

// AdvisoryLockerImpl implements AdvisoryLocker with pg_try_advisory_xact_lock.
type AdvisoryLockerImpl struct {
	queries
}

// NewAdvisoryLockerImpl creates a new AdvisoryLocker implementation.
func NewAdvisoryLockerImpl(pool *pgxpool.Pool) AdvisoryLocker {
	return &AdvisoryLockerImpl{queries{db: db.New(pool)}}
}

// TryXactLock must be called with a transactional context.
func (l *AdvisoryLockerImpl) TryXactLock(ctx context.Context, key int64) (bool, error) {
	if _, ok := txFromContext(ctx); !ok {
		return false, errors.New("advisory lock requires a transaction")
	}

	return l.from(ctx).TryAdvisoryXactLock(ctx, key)
}
