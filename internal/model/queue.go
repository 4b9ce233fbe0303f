package model

import "time"

// LeaseParams describes a lease request against a work table.
type LeaseParams struct {
	Owner    string
	Now      time.Time
	Duration time.Duration
	Limit    int
}

// LeaseUntil returns the expiry of the lease granted by these params.
func (p LeaseParams) LeaseUntil() time.Time {
	return p.Now.Add(p.Duration)
}

// CompleteParams marks a leased row as done.
type CompleteParams struct {
	ID    string
	Owner string
	Now   time.Time
}

// FailureParams records a failed attempt on a leased row.
// Terminal rows are parked in the FAILED status.
type FailureParams struct {
	ID           string
	Owner        string
	AttemptCount int
	Terminal     bool
	NextRetryAt  time.Time
	FailedAt     time.Time
	LastError    string
}

// QueueStats is a point-in-time view of a work table read from the database.
type QueueStats struct {
	Queue            string
	Pending          int64
	Leased           int64
	Failed           int64
	Done             int64
	OldestPendingAge time.Duration
}

// BatchResult summarizes one poll cycle of a worker.
type BatchResult struct {
	Leased    int
	Succeeded int
	Retried   int
	Failed    int
	LeaseLost int
}

// SweepResult reports how many rows the retention sweeper removed.
type SweepResult struct {
	Skipped             bool
	OutboxPublished     int64
	OutboxFailed        int64
	NotificationsSent   int64
	NotificationsFailed int64
	IdempotencyExpired  int64
}

// Total returns the number of removed rows.
func (r SweepResult) Total() int64 {
	return r.OutboxPublished + r.OutboxFailed + r.NotificationsSent + r.NotificationsFailed + r.IdempotencyExpired
}
