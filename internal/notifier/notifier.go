// Package notifier delivers notifications to their recipients.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jnst/outbox-pipeline/internal/model"
)

// Sender performs the side effect of a notification. Implementations may be
// called more than once for the same notification.
type Sender interface {
	Send(ctx context.Context, n *model.Notification) error
}

// LogSender is the terminal sink: it renders the email and writes it to the log.
type LogSender struct {
	logger  *slog.Logger
	latency time.Duration
}

// NewLogSender creates a LogSender. latency simulates the provider round trip.
func NewLogSender(logger *slog.Logger, latency time.Duration) *LogSender {
	return &LogSender{
		logger:  logger.With(slog.String("component", "log_sender")),
		latency: latency,
	}
}

// Send logs the email described by the notification payload.
func (s *LogSender) Send(ctx context.Context, n *model.Notification) error {
	var email model.EmailNotification
	if err := json.Unmarshal(n.Payload, &email); err != nil {
		return fmt.Errorf("failed to decode notification %s: %w", n.ID, err)
	}

	if s.latency > 0 {
		t := time.NewTimer(s.latency)
		defer t.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	s.logger.Info("email sent",
		slog.String("notification_id", n.ID),
		slog.String("type", string(n.Type)),
		slog.String("to", email.To),
		slog.String("subject", email.Subject),
	)

	return nil
}
