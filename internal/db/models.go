package db

import (
	"github.com/jackc/pgx/v5/pgtype"
)

type User struct {
	ID        int64
	Name      string
	Email     string
	CreatedAt pgtype.Timestamptz
	UpdatedAt pgtype.Timestamptz
}

type IdempotencyKey struct {
	Key          string
	RequestHash  string
	ResponseCode int32
	ResponseBody []byte
	ExpiresAt    pgtype.Timestamptz
	CreatedAt    pgtype.Timestamptz
}

type OutboxEvent struct {
	EventID      string
	EventType    string
	AggregateKey string
	Payload      []byte
	AttemptCount int32
	Status       string
	NextRetryAt  pgtype.Timestamptz
	LeaseOwner   pgtype.Text
	LeaseUntil   pgtype.Timestamptz
	LastError    pgtype.Text
	CreatedAt    pgtype.Timestamptz
	PublishedAt  pgtype.Timestamptz
	FailedAt     pgtype.Timestamptz
}

type Notification struct {
	ID            string
	SourceEventID string
	TargetUserID  int64
	Type          string
	Payload       []byte
	Status        string
	LockedBy      pgtype.Text
	LockedAt      pgtype.Timestamptz
	LeaseUntil    pgtype.Timestamptz
	AttemptCount  int32
	NextRetryAt   pgtype.Timestamptz
	LastError     pgtype.Text
	CreatedAt     pgtype.Timestamptz
	SentAt        pgtype.Timestamptz
	FailedAt      pgtype.Timestamptz
}

// QueueStats is the row returned by the *Stats queries.
type QueueStats struct {
	Pending              int64
	Leased               int64
	Failed               int64
	Done                 int64
	OldestPendingSeconds float64
}
