package model

import "time"

// OutboxStatus is the publish state of an outbox row.
type OutboxStatus string

const (
	// OutboxStatusPending rows are eligible for leasing once next_retry_at has passed.
	OutboxStatusPending OutboxStatus = "PENDING"
	// OutboxStatusInFlight rows are leased by a publisher until lease_until.
	OutboxStatusInFlight OutboxStatus = "IN_FLIGHT"
	// OutboxStatusPublished is terminal.
	OutboxStatusPublished OutboxStatus = "PUBLISHED"
	// OutboxStatusFailed is terminal and requires operator intervention.
	OutboxStatusFailed OutboxStatus = "FAILED"
)

// OutboxEvent represents an outbox event for reliable message delivery.
type OutboxEvent struct {
	EventID      string       `json:"event_id"`
	EventType    string       `json:"event_type"`
	AggregateKey string       `json:"aggregate_key"`
	Payload      []byte       `json:"payload"`
	AttemptCount int          `json:"attempt_count"`
	Status       OutboxStatus `json:"status"`
	NextRetryAt  time.Time    `json:"next_retry_at"`
	LeaseOwner   string       `json:"lease_owner,omitempty"`
	LeaseUntil   *time.Time   `json:"lease_until,omitempty"`
	LastError    string       `json:"last_error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	PublishedAt  *time.Time   `json:"published_at,omitempty"`
	FailedAt     *time.Time   `json:"failed_at,omitempty"`
}

// CreateOutboxEventParams represents parameters for creating a new outbox event.
type CreateOutboxEventParams struct {
	EventID      string
	EventType    string
	AggregateKey string
	Payload      []byte
	CreatedAt    time.Time
}
