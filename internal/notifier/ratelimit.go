package notifier

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/jnst/outbox-pipeline/internal/model"
)

// RateLimitedSender caps the send rate towards the provider with a token bucket.
type RateLimitedSender struct {
	next    Sender
	limiter *rate.Limiter
}

// NewRateLimitedSender allows perSecond sends with the given burst.
func NewRateLimitedSender(next Sender, perSecond float64, burst int) *RateLimitedSender {
	return &RateLimitedSender{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Send waits for a token, then delegates.
func (s *RateLimitedSender) Send(ctx context.Context, n *model.Notification) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	return s.next.Send(ctx, n)
}
