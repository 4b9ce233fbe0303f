package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/rueidis"

	"github.com/jnst/outbox-pipeline/internal/model"
)

// DedupStore remembers which notifications were already delivered.
type DedupStore interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

// RedisDedupStore implements DedupStore with plain Redis keys.
type RedisDedupStore struct {
	client rueidis.Client
	prefix string
}

// NewRedisDedupStore creates a RedisDedupStore whose keys start with prefix.
func NewRedisDedupStore(client rueidis.Client, prefix string) *RedisDedupStore {
	return &RedisDedupStore{client: client, prefix: prefix}
}

// Seen reports whether key was marked and has not expired.
func (s *RedisDedupStore) Seen(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Do(ctx, s.client.B().Exists().Key(s.prefix+key).Build()).AsInt64()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// Mark records key for ttl.
func (s *RedisDedupStore) Mark(ctx context.Context, key string, ttl time.Duration) error {
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}

	cmd := s.client.B().Set().Key(s.prefix + key).Value("1").ExSeconds(secs).Build()

	return s.client.Do(ctx, cmd).Error()
}

// DedupSender skips notifications already delivered, covering a crash between
// the send and the SENT status update.
type DedupSender struct {
	next   Sender
	store  DedupStore
	ttl    time.Duration
	logger *slog.Logger
}

// NewDedupSender wraps next.
func NewDedupSender(next Sender, store DedupStore, ttl time.Duration, logger *slog.Logger) *DedupSender {
	return &DedupSender{
		next:   next,
		store:  store,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "dedup_sender")),
	}
}

// Send delegates unless the notification was already delivered.
func (s *DedupSender) Send(ctx context.Context, n *model.Notification) error {
	seen, err := s.store.Seen(ctx, n.ID)
	if err != nil {
		return fmt.Errorf("failed to check delivery of %s: %w", n.ID, err)
	}

	if seen {
		s.logger.Info("notification already delivered, skipping", slog.String("notification_id", n.ID))

		return nil
	}

	if err := s.next.Send(ctx, n); err != nil {
		return err
	}

	if err := s.store.Mark(ctx, n.ID, s.ttl); err != nil {
		s.logger.Warn("failed to record delivery",
			slog.String("notification_id", n.ID),
			slog.String("error", err.Error()),
		)
	}

	return nil
}
