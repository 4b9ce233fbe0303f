package service

import (
	"time"

	"go.opentelemetry.io/otel"

	"github.com/jnst/outbox-pipeline/internal/config"
	"github.com/jnst/outbox-pipeline/internal/model"
	"github.com/jnst/outbox-pipeline/internal/retry"
)

const instrumentationName = "github.com/jnst/outbox-pipeline/internal/service"

var tracer = otel.Tracer(instrumentationName)

// LeaseOptions configure a leased polling worker.
type LeaseOptions struct {
	Owner          string
	Lease          time.Duration
	ErrorMaxLength int
	Policy         retry.Policy
}

// LeaseOptionsFromConfig builds LeaseOptions for the worker identified by owner.
func LeaseOptionsFromConfig(owner string, cfg config.WorkerConfig) LeaseOptions {
	return LeaseOptions{
		Owner:          owner,
		Lease:          cfg.Lease,
		ErrorMaxLength: cfg.ErrorMaxLength,
		Policy:         retry.FromConfig(cfg),
	}
}

func (o LeaseOptions) leaseParams(now time.Time, limit int) model.LeaseParams {
	return model.LeaseParams{
		Owner:    o.Owner,
		Now:      now,
		Duration: o.Lease,
		Limit:    limit,
	}
}

// failure applies the backoff policy to a row that failed with cause.
func (o LeaseOptions) failure(id string, attempts int, cause error, now time.Time) model.FailureParams {
	outcome := o.Policy.OnFailure(attempts, now)

	params := model.FailureParams{
		ID:           id,
		Owner:        o.Owner,
		AttemptCount: outcome.AttemptCount,
		Terminal:     outcome.Terminal,
		NextRetryAt:  outcome.NextRetryAt,
		LastError:    retry.TruncateError(cause, o.ErrorMaxLength),
	}

	if outcome.Terminal {
		params.FailedAt = now
	}

	return params
}
