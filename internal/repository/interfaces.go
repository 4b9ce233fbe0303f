// Package repository provides data access interfaces and implementations.
package repository

import (
	"context"
	"time"

	"github.com/jnst/outbox-pipeline/internal/model"
)

// UserRepository defines methods for user data access.
type UserRepository interface {
	Create(ctx context.Context, params *model.CreateUserParams) (*model.User, error)
	GetByID(ctx context.Context, id int64) (*model.User, error)
	GetByIDForUpdate(ctx context.Context, id int64) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	UpdateEmail(ctx context.Context, id int64, email string) (*model.User, error)
}

// IdempotencyRepository defines methods for idempotency key data access.
type IdempotencyRepository interface {
	// Reserve inserts the key, or takes over an expired record. It reports false
	// when an unexpired record already holds the key.
	Reserve(ctx context.Context, params *model.ReserveIdempotencyParams) (bool, error)
	Get(ctx context.Context, key string) (*model.IdempotencyRecord, error)
	Finalize(ctx context.Context, params *model.FinalizeIdempotencyParams) error
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error)
}

// OutboxRepository defines methods for outbox event data access.
type OutboxRepository interface {
	CreateEvent(ctx context.Context, params *model.CreateOutboxEventParams) (*model.OutboxEvent, error)
	Get(ctx context.Context, eventID string) (*model.OutboxEvent, error)
	Lease(ctx context.Context, params model.LeaseParams) ([]*model.OutboxEvent, error)
	MarkPublished(ctx context.Context, params model.CompleteParams) error
	RecordFailure(ctx context.Context, params model.FailureParams) error
	ListFailed(ctx context.Context, limit int) ([]*model.OutboxEvent, error)
	Requeue(ctx context.Context, eventID string, now time.Time) error
	Stats(ctx context.Context, now time.Time) (*model.QueueStats, error)
	DeletePublishedBefore(ctx context.Context, before time.Time, limit int) (int64, error)
	DeleteFailedBefore(ctx context.Context, before time.Time, limit int) (int64, error)
}

// NotificationRepository defines methods for delivery queue data access.
type NotificationRepository interface {
	// Create reports false when a row for the same source event already exists.
	Create(ctx context.Context, params *model.CreateNotificationParams) (bool, error)
	Get(ctx context.Context, id string) (*model.Notification, error)
	GetBySourceEventID(ctx context.Context, sourceEventID string) (*model.Notification, error)
	Lease(ctx context.Context, params model.LeaseParams) ([]*model.Notification, error)
	MarkSent(ctx context.Context, params model.CompleteParams) error
	RecordFailure(ctx context.Context, params model.FailureParams) error
	ListFailed(ctx context.Context, limit int) ([]*model.Notification, error)
	Requeue(ctx context.Context, id string, now time.Time) error
	Stats(ctx context.Context, now time.Time) (*model.QueueStats, error)
	DeleteSentBefore(ctx context.Context, before time.Time, limit int) (int64, error)
	DeleteFailedBefore(ctx context.Context, before time.Time, limit int) (int64, error)
}

// AdvisoryLocker takes transaction-scoped advisory locks.
type AdvisoryLocker interface {
	TryXactLock(ctx context.Context, key int64) (bool, error)
}

// TransactionManager defines methods for database transaction management.
// fn receives a context carrying the transaction; repositories called with it join the transaction.
// Nested calls run inside a savepoint.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
