// Package broker publishes outbox events to a stream and delivers them to consumers.
//
// Both implementations suppress duplicate publishes of the same Message.ID within a
// configured window. Delivery to consumers is at-least-once.
package broker

import (
	"context"
	"errors"
)

// Message is an event as carried on the stream. ID is the outbox event id and the dedup key.
type Message struct {
	ID           string
	EventType    string
	AggregateKey string
	Payload      []byte
}

// PublishResult describes the broker's acknowledgement.
type PublishResult struct {
	// Duplicate is true when the broker dropped the message as a repeat of an earlier publish.
	Duplicate bool
	// Sequence is the broker-assigned position (stream entry id or JetStream sequence).
	Sequence string
}

// Publisher writes messages to the stream.
type Publisher interface {
	Publish(ctx context.Context, msg Message) (PublishResult, error)
}

// Handler processes one delivered message. A nil return acknowledges the message;
// an error leaves it for redelivery.
type Handler func(ctx context.Context, msg Message) error

// Subscriber delivers messages to a handler until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, handler Handler) error
}

// ErrMissingField is returned for stream entries without a required field.
var ErrMissingField = errors.New("broker: message is missing a required field")

// Stream entry field names.
const (
	fieldEventID      = "event_id"
	fieldEventType    = "event_type"
	fieldAggregateKey = "aggregate_key"
	fieldPayload      = "payload"
)
