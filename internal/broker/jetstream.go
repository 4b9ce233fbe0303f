package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	headerEventType    = "Event-Type"
	headerAggregateKey = "Aggregate-Key"
)

var nameReplacer = strings.NewReplacer(":", "_", ".", "_", " ", "_", "*", "_", ">", "_")

// JetStreamOptions configures a JetStream broker.
type JetStreamOptions struct {
	Stream      string
	Group       string
	DedupWindow time.Duration
	AckWait     time.Duration
}

// JetStream is a Publisher and Subscriber backed by a NATS JetStream stream.
// Duplicate suppression uses the stream's native Duplicates window keyed by Nats-Msg-Id.
type JetStream struct {
	js      jetstream.JetStream
	stream  string
	subject string
	opts    JetStreamOptions
	logger  *slog.Logger
}

// NewJetStream creates or updates the stream and returns a JetStream broker.
func NewJetStream(ctx context.Context, conn *nats.Conn, opts JetStreamOptions, logger *slog.Logger) (*JetStream, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	b := &JetStream{
		js:      js,
		stream:  nameReplacer.Replace(opts.Stream),
		subject: strings.ReplaceAll(opts.Stream, ":", "."),
		opts:    opts,
	}
	b.logger = logger.With(slog.String("component", "jetstream"), slog.String("stream", b.stream))

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       b.stream,
		Subjects:   []string{b.subject + ".>"},
		Duplicates: opts.DedupWindow,
		Storage:    jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream %s: %w", b.stream, err)
	}

	return b, nil
}

// Publish sends msg with its ID as Nats-Msg-Id.
func (b *JetStream) Publish(ctx context.Context, msg Message) (PublishResult, error) {
	ack, err := b.js.PublishMsg(ctx, b.encode(msg), jetstream.WithMsgID(msg.ID))
	if err != nil {
		return PublishResult{}, fmt.Errorf("failed to publish event %s: %w", msg.ID, err)
	}

	if ack.Duplicate {
		b.logger.Debug("duplicate publish suppressed", slog.String("event_id", msg.ID))
	}

	return PublishResult{
		Duplicate: ack.Duplicate,
		Sequence:  strconv.FormatUint(ack.Sequence, 10),
	}, nil
}

// Subscribe consumes through a durable pull consumer named after the group.
// Messages are acked when handler succeeds and nak'd otherwise.
func (b *JetStream) Subscribe(ctx context.Context, handler Handler) error {
	durable := nameReplacer.Replace(b.opts.Group)

	consumer, err := b.js.CreateOrUpdateConsumer(ctx, b.stream, jetstream.ConsumerConfig{
		Durable:       durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.opts.AckWait,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", durable, err)
	}

	cc, err := consumer.Consume(func(m jetstream.Msg) {
		b.dispatch(ctx, handler, m)
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		b.logger.Error("consumer error", slog.String("error", err.Error()))
	}))
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	b.logger.Info("subscribed", slog.String("durable", durable))

	<-ctx.Done()
	cc.Stop()

	return nil
}

func (b *JetStream) dispatch(ctx context.Context, handler Handler, m jetstream.Msg) {
	msg, err := decodeNATS(m)
	if err != nil {
		b.logger.Error("dropping malformed message", slog.String("error", err.Error()))
		b.ackOrLog(m.Ack(), "ack")

		return
	}

	if err := handler(ctx, msg); err != nil {
		b.logger.Error("failed to process message",
			slog.String("event_id", msg.ID),
			slog.String("error", err.Error()),
		)
		b.ackOrLog(m.Nak(), "nak")

		return
	}

	b.ackOrLog(m.Ack(), "ack")
}

func (b *JetStream) ackOrLog(err error, op string) {
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		b.logger.Error("failed to "+op+" message", slog.String("error", err.Error()))
	}
}

// encode builds the NATS message for msg. The id header is added by WithMsgID on publish.
func (b *JetStream) encode(msg Message) *nats.Msg {
	natsMsg := nats.NewMsg(b.subject + "." + msg.EventType)
	natsMsg.Data = msg.Payload
	natsMsg.Header.Set(headerEventType, msg.EventType)
	natsMsg.Header.Set(headerAggregateKey, msg.AggregateKey)

	return natsMsg
}

func decodeNATS(m jetstream.Msg) (Message, error) {
	return decodeHeaders(m.Headers(), m.Data())
}

func decodeHeaders(headers nats.Header, data []byte) (Message, error) {
	id := headers.Get(nats.MsgIdHdr)
	if id == "" {
		return Message{}, fmt.Errorf("%w: %s", ErrMissingField, nats.MsgIdHdr)
	}

	eventType := headers.Get(headerEventType)
	if eventType == "" {
		return Message{}, fmt.Errorf("%w: %s", ErrMissingField, headerEventType)
	}

	return Message{
		ID:           id,
		EventType:    eventType,
		AggregateKey: headers.Get(headerAggregateKey),
		Payload:      data,
	}, nil
}
