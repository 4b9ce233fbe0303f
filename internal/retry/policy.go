// Package retry implements the exponential backoff policy shared by the outbox
// publisher and the delivery worker.
package retry

import (
	"math"
	"math/rand/v2"
	"time"
	"unicode/utf8"

	"github.com/jnst/outbox-pipeline/internal/config"
)

// Policy computes the next state of a row after a failed attempt.
type Policy struct {
	MaxAttempts  int
	Base         time.Duration
	Min          time.Duration
	Max          time.Duration
	ExponentBase float64
	JitterMin    float64
	JitterMax    float64

	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// Outcome is the result of applying the policy to a failure.
type Outcome struct {
	AttemptCount int
	Terminal     bool
	NextRetryAt  time.Time
	Delay        time.Duration
}

// FromConfig builds a Policy from worker configuration.
func FromConfig(cfg config.WorkerConfig) Policy {
	return Policy{
		MaxAttempts:  cfg.MaxAttempts,
		Base:         cfg.BackoffBase,
		Min:          cfg.BackoffMin,
		Max:          cfg.BackoffMax,
		ExponentBase: cfg.BackoffExponentBase,
		JitterMin:    cfg.JitterMin,
		JitterMax:    cfg.JitterMax,
	}
}

// OnFailure increments attempts and decides between a retry and the terminal state.
// attempts is the row's attempt count before the failing attempt.
func (p Policy) OnFailure(attempts int, now time.Time) Outcome {
	next := attempts + 1
	if next >= p.MaxAttempts {
		return Outcome{AttemptCount: next, Terminal: true}
	}

	delay := p.Delay(attempts)

	return Outcome{
		AttemptCount: next,
		NextRetryAt:  now.Add(delay),
		Delay:        delay,
	}
}

// Delay returns the jittered backoff for the given attempt count, always within [Min, Max].
func (p Policy) Delay(attempts int) time.Duration {
	raw := p.Raw(attempts)

	return p.clamp(time.Duration(float64(raw) * p.jitter()))
}

// Raw returns base * exponentBase^attempts clamped to [Min, Max], before jitter.
// Negative attempts count as zero.
func (p Policy) Raw(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}

	factor := math.Pow(p.ExponentBase, float64(attempts))
	raw := float64(p.Base) * factor
	if math.IsInf(raw, 0) || math.IsNaN(raw) || raw > float64(math.MaxInt64) {
		return p.Max
	}

	return p.clamp(time.Duration(raw))
}

// MaxRetrySpan is the worst-case time between the first and the last attempt of a row.
// The broker dedup window must exceed it, plus one lease for crash recovery.
func (p Policy) MaxRetrySpan(lease time.Duration) time.Duration {
	var span time.Duration
	for attempt := 0; attempt < p.MaxAttempts-1; attempt++ {
		worst := p.clamp(time.Duration(float64(p.Raw(attempt)) * p.JitterMax))
		span += worst + lease
	}

	return span + lease
}

func (p Policy) jitter() float64 {
	if p.JitterMax <= p.JitterMin {
		return p.JitterMin
	}

	r := rand.Float64
	if p.Rand != nil {
		r = p.Rand
	}

	return p.JitterMin + r()*(p.JitterMax-p.JitterMin)
}

func (p Policy) clamp(d time.Duration) time.Duration {
	if d < p.Min {
		return p.Min
	}

	if d > p.Max {
		return p.Max
	}

	return d
}

// TruncateError returns err's message cut to at most maxLen runes.
func TruncateError(err error, maxLen int) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	if maxLen <= 0 || utf8.RuneCountInString(msg) <= maxLen {
		return msg
	}

	return string([]rune(msg)[:maxLen])
}
