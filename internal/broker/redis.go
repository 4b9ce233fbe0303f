package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/rueidis"
)

const (
	defaultReadCount = 10
	errorRetryDelay  = time.Second
)

// publishScript appends the entry only if the dedup key is absent, then records the key
// with a TTL equal to the dedup window. The script runs atomically on the server.
var publishScript = rueidis.NewLuaScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return false
end
local id = redis.call('XADD', KEYS[1], '*',
  'event_id', ARGV[1], 'event_type', ARGV[3], 'aggregate_key', ARGV[4], 'payload', ARGV[5])
redis.call('SET', KEYS[2], id, 'PX', ARGV[2])
return id
`)

// RedisStreamOptions configures a RedisStream.
type RedisStreamOptions struct {
	Stream       string
	Group        string
	Consumer     string
	DedupWindow  time.Duration
	ClaimMinIdle time.Duration
	BlockTimeout time.Duration
	ReadCount    int64
}

// RedisStream is a Publisher and Subscriber backed by Redis Streams and consumer groups.
type RedisStream struct {
	client rueidis.Client
	opts   RedisStreamOptions
	logger *slog.Logger
}

// NewRedisStream creates a RedisStream.
func NewRedisStream(client rueidis.Client, opts RedisStreamOptions, logger *slog.Logger) *RedisStream {
	if opts.ReadCount <= 0 {
		opts.ReadCount = defaultReadCount
	}

	return &RedisStream{
		client: client,
		opts:   opts,
		logger: logger.With(slog.String("component", "redis_stream"), slog.String("stream", opts.Stream)),
	}
}

// dedupKey shares the stream's cluster slot so the publish script can touch both keys.
func (s *RedisStream) dedupKey(id string) string {
	return slotPrefix(s.opts.Stream) + ":dedup:" + id
}

// slotPrefix returns a prefix that hashes to the same Redis Cluster slot as key.
// A key without a hash tag hashes in full, so wrapping it in braces yields the same slot.
func slotPrefix(key string) string {
	if open := strings.IndexByte(key, '{'); open >= 0 {
		if end := strings.IndexByte(key[open+1:], '}'); end > 0 {
			return key
		}
	}

	return "{" + key + "}"
}

// Publish appends msg to the stream unless the same ID was published within the dedup window.
func (s *RedisStream) Publish(ctx context.Context, msg Message) (PublishResult, error) {
	keys := []string{s.opts.Stream, s.dedupKey(msg.ID)}
	args := []string{
		msg.ID,
		strconv.FormatInt(s.opts.DedupWindow.Milliseconds(), 10),
		msg.EventType,
		msg.AggregateKey,
		string(msg.Payload),
	}

	entryID, err := publishScript.Exec(ctx, s.client, keys, args).ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			s.logger.Debug("duplicate publish suppressed", slog.String("event_id", msg.ID))

			return PublishResult{Duplicate: true}, nil
		}

		return PublishResult{}, fmt.Errorf("failed to publish event %s: %w", msg.ID, err)
	}

	return PublishResult{Sequence: entryID}, nil
}

// EnsureGroup creates the consumer group, and the stream if needed.
func (s *RedisStream) EnsureGroup(ctx context.Context) error {
	cmd := s.client.B().XgroupCreate().Key(s.opts.Stream).Group(s.opts.Group).Id("0").Mkstream().Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		if strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return nil
		}

		return fmt.Errorf("failed to create consumer group %s: %w", s.opts.Group, err)
	}

	return nil
}

// Subscribe reads new entries for the group, and periodically claims entries other
// consumers left pending longer than ClaimMinIdle.
func (s *RedisStream) Subscribe(ctx context.Context, handler Handler) error {
	if err := s.EnsureGroup(ctx); err != nil {
		return err
	}

	s.logger.Info("subscribed",
		slog.String("group", s.opts.Group),
		slog.String("consumer", s.opts.Consumer),
	)

	var lastClaim time.Time

	for {
		if ctx.Err() != nil {
			return nil
		}

		if s.opts.ClaimMinIdle > 0 && time.Since(lastClaim) >= s.opts.ClaimMinIdle {
			lastClaim = time.Now()
			if err := s.claimIdle(ctx, handler); err != nil && ctx.Err() == nil {
				s.logger.Error("failed to claim idle entries", slog.String("error", err.Error()))
			}
		}

		entries, err := s.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			s.logger.Error("error reading stream", slog.String("error", err.Error()))
			sleep(ctx, errorRetryDelay)

			continue
		}

		for _, entry := range entries {
			s.dispatch(ctx, handler, entry)
		}
	}
}

func (s *RedisStream) read(ctx context.Context) ([]rueidis.XRangeEntry, error) {
	cmd := s.client.B().Xreadgroup().Group(s.opts.Group, s.opts.Consumer).
		Count(s.opts.ReadCount).
		Block(s.opts.BlockTimeout.Milliseconds()).
		Streams().
		Key(s.opts.Stream).
		Id(">").
		Build()

	streams, err := s.client.Do(ctx, cmd).AsXRead()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, nil
		}

		return nil, err
	}

	return streams[s.opts.Stream], nil
}

func (s *RedisStream) claimIdle(ctx context.Context, handler Handler) error {
	start := "0-0"

	for {
		cmd := s.client.B().Xautoclaim().Key(s.opts.Stream).Group(s.opts.Group).Consumer(s.opts.Consumer).
			MinIdleTime(strconv.FormatInt(s.opts.ClaimMinIdle.Milliseconds(), 10)).
			Start(start).
			Count(s.opts.ReadCount).
			Build()

		reply, err := s.client.Do(ctx, cmd).ToArray()
		if err != nil {
			return err
		}

		if len(reply) < 2 {
			return nil
		}

		entries, err := reply[1].AsXRange()
		if err != nil {
			return err
		}

		for _, entry := range entries {
			s.logger.Info("claimed idle entry", slog.String("entry_id", entry.ID))
			s.dispatch(ctx, handler, entry)
		}

		next, err := reply[0].ToString()
		if err != nil {
			return err
		}

		if next == "0-0" || len(entries) == 0 {
			return nil
		}

		start = next
	}
}

func (s *RedisStream) dispatch(ctx context.Context, handler Handler, entry rueidis.XRangeEntry) {
	msg, err := decodeEntry(entry)
	if err != nil {
		s.logger.Error("dropping malformed entry",
			slog.String("entry_id", entry.ID),
			slog.String("error", err.Error()),
		)
		s.ack(ctx, entry.ID)

		return
	}

	if err := handler(ctx, msg); err != nil {
		s.logger.Error("failed to process message",
			slog.String("entry_id", entry.ID),
			slog.String("event_id", msg.ID),
			slog.String("error", err.Error()),
		)

		return
	}

	s.ack(ctx, entry.ID)
}

func (s *RedisStream) ack(ctx context.Context, entryID string) {
	cmd := s.client.B().Xack().Key(s.opts.Stream).Group(s.opts.Group).Id(entryID).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		s.logger.Error("failed to ACK message",
			slog.String("entry_id", entryID),
			slog.String("error", err.Error()),
		)

		return
	}

	s.logger.Debug("ACKed message", slog.String("entry_id", entryID))
}

func decodeEntry(entry rueidis.XRangeEntry) (Message, error) {
	id, ok := entry.FieldValues[fieldEventID]
	if !ok || id == "" {
		return Message{}, fmt.Errorf("%w: %s", ErrMissingField, fieldEventID)
	}

	eventType, ok := entry.FieldValues[fieldEventType]
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrMissingField, fieldEventType)
	}

	payload, ok := entry.FieldValues[fieldPayload]
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrMissingField, fieldPayload)
	}

	return Message{
		ID:           id,
		EventType:    eventType,
		AggregateKey: entry.FieldValues[fieldAggregateKey],
		Payload:      []byte(payload),
	}, nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
