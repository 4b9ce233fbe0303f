package broker

import (
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJetStream() *JetStream {
	return &JetStream{stream: "user_events", subject: "user.events"}
}

func TestEncodeNATS(t *testing.T) {
	m := testJetStream().encode(Message{
		ID:           "evt-123",
		EventType:    "user_created",
		AggregateKey: "user_1",
		Payload:      []byte(`{"user_id":1}`),
	})

	assert.Equal(t, "user.events.user_created", m.Subject)
	assert.Equal(t, []byte(`{"user_id":1}`), m.Data)
	assert.Equal(t, "user_created", m.Header.Get(headerEventType))
	assert.Equal(t, "user_1", m.Header.Get(headerAggregateKey))
}

func TestDecodeHeadersRoundTrip(t *testing.T) {
	want := Message{
		ID:           "evt-123",
		EventType:    "email_changed",
		AggregateKey: "user_7",
		Payload:      []byte(`{"user_id":7}`),
	}

	m := testJetStream().encode(want)
	m.Header.Set(nats.MsgIdHdr, want.ID)

	got, err := decodeHeaders(m.Header, m.Data)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDecodeHeadersMissingFields(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		field   string
	}{
		{"no id", map[string]string{headerEventType: "user_created"}, nats.MsgIdHdr},
		{"no type", map[string]string{nats.MsgIdHdr: "evt-1"}, headerEventType},
		{"empty type", map[string]string{nats.MsgIdHdr: "evt-1", headerEventType: ""}, headerEventType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := nats.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}

			_, err := decodeHeaders(h, []byte("{}"))
			require.ErrorIs(t, err, ErrMissingField)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestDecodeHeadersAllowsMissingAggregateKey(t *testing.T) {
	h := nats.Header{}
	h.Set(nats.MsgIdHdr, "evt-1")
	h.Set(headerEventType, "user_created")

	msg, err := decodeHeaders(h, nil)
	require.NoError(t, err)
	assert.Empty(t, msg.AggregateKey)
}

func TestNameReplacer(t *testing.T) {
	assert.Equal(t, "user_events", nameReplacer.Replace("user:events"))
	assert.Equal(t, "notification-service", nameReplacer.Replace("notification-service"))
}
