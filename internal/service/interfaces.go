// Package service provides business logic layer implementations.
package service

import (
	"context"

	"github.com/jnst/outbox-pipeline/internal/broker"
	"github.com/jnst/outbox-pipeline/internal/model"
)

// IdempotencyService deduplicates client commands by idempotency key.
type IdempotencyService interface {
	// Lookup returns nil when no unexpired record exists for key.
	Lookup(ctx context.Context, key string) (*model.IdempotencyRecord, error)
	ReserveOrReplay(ctx context.Context, key, requestHash string) (*model.IdempotencyDecision, error)
	Finalize(ctx context.Context, key, requestHash string, responseCode int, responseBody []byte) error
}

// UserService defines business logic methods for user management.
type UserService interface {
	CreateUser(ctx context.Context, cmd *model.CreateUserCommand) (*model.CommandResult, error)
	ChangeEmail(ctx context.Context, cmd *model.ChangeEmailCommand) (*model.CommandResult, error)
	GetUser(ctx context.Context, id int64) (*model.User, error)
}

// OutboxService defines business logic methods for outbox event processing.
type OutboxService interface {
	ProcessUnpublishedEvents(ctx context.Context, limit int) (model.BatchResult, error)
}

// EventConsumerService turns consumed events into delivery queue rows.
type EventConsumerService interface {
	HandleEvent(ctx context.Context, msg broker.Message) error
}

// NotificationService delivers queued notifications.
type NotificationService interface {
	ProcessPendingNotifications(ctx context.Context, limit int) (model.BatchResult, error)
}

// RetentionService removes terminal rows past their retention.
type RetentionService interface {
	Sweep(ctx context.Context) (model.SweepResult, error)
}
