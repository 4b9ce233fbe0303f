package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/redis/rueidis"

	"github.com/jnst/outbox-pipeline/internal/config"
)

// Stream is a broker that both publishes and delivers.
type Stream interface {
	Publisher
	Subscriber
}

// Open connects to the broker selected by cfg.Broker.Kind. consumer names this process
// within the consumer group. The returned close func releases the connection.
func Open(ctx context.Context, cfg *config.Config, consumer string, logger *slog.Logger) (Stream, func(), error) {
	switch cfg.Broker.Kind {
	case config.BrokerRedis:
		client, err := rueidis.NewClient(rueidis.ClientOption{
			InitAddress: []string{cfg.RedisAddr},
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}

		stream := NewRedisStream(client, RedisStreamOptions{
			Stream:       cfg.Broker.Stream,
			Group:        cfg.Broker.Group,
			Consumer:     consumer,
			DedupWindow:  cfg.Broker.DedupWindow,
			ClaimMinIdle: cfg.Broker.ClaimMinIdle,
			BlockTimeout: cfg.Broker.BlockTimeout,
		}, logger)

		return stream, client.Close, nil
	case config.BrokerJetStream:
		conn, err := nats.Connect(cfg.Broker.NATSURL, nats.Name(consumer))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}

		stream, err := NewJetStream(ctx, conn, JetStreamOptions{
			Stream:      cfg.Broker.Stream,
			Group:       cfg.Broker.Group,
			DedupWindow: cfg.Broker.DedupWindow,
			AckWait:     cfg.Broker.AckWait,
		}, logger)
		if err != nil {
			conn.Close()

			return nil, nil, err
		}

		return stream, conn.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
	}
}
