package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/outbox-pipeline/internal/broker"
	"github.com/jnst/outbox-pipeline/internal/model"
)

func (f *fixture) consumerService() EventConsumerService {
	return NewEventConsumerServiceImpl(f.notifications, f.clock.Now, discardLogger())
}

func userCreatedMessage(t *testing.T, id string) broker.Message {
	t.Helper()

	payload, err := json.Marshal(model.UserCreatedEvent{
		UserID: 7,
		Name:   "Alice",
		Email:  "alice@example.com",
		Action: model.EventActionUserCreated,
	})
	require.NoError(t, err)

	return broker.Message{ID: id, EventType: string(model.EventActionUserCreated), AggregateKey: "user_7", Payload: payload}
}

func TestHandleEventEnqueuesOncePerEvent(t *testing.T) {
	f := newFixture()
	svc := f.consumerService()
	ctx := context.Background()
	msg := userCreatedMessage(t, "evt-123")

	require.NoError(t, svc.HandleEvent(ctx, msg))
	require.NoError(t, svc.HandleEvent(ctx, msg))

	rows := f.notifications.all()
	require.Len(t, rows, 1)
	assert.Equal(t, "evt-123", rows[0].SourceEventID)
	assert.Equal(t, int64(7), rows[0].TargetUserID)
	assert.Equal(t, model.NotificationTypeWelcomeEmail, rows[0].Type)
	assert.Equal(t, model.NotificationStatusPending, rows[0].Status)

	var email model.EmailNotification
	require.NoError(t, json.Unmarshal(rows[0].Payload, &email))
	assert.Equal(t, "alice@example.com", email.To)

	sender := &fakeSender{}
	res, err := f.notificationService(sender, testLeaseOptions("d1")).ProcessPendingNotifications(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, []string{rows[0].ID}, sender.sent)
}

func TestHandleEventEmailChanged(t *testing.T) {
	f := newFixture()

	payload, err := json.Marshal(model.UserEmailChangedEvent{
		UserID:        7,
		Name:          "Alice",
		PreviousEmail: "alice@example.com",
		Email:         "alice@new.example.com",
		Action:        model.EventActionUserEmailChanged,
	})
	require.NoError(t, err)

	err = f.consumerService().HandleEvent(context.Background(), broker.Message{
		ID:        "evt-9",
		EventType: string(model.EventActionUserEmailChanged),
		Payload:   payload,
	})
	require.NoError(t, err)

	rows := f.notifications.all()
	require.Len(t, rows, 1)
	assert.Equal(t, model.NotificationTypeEmailChanged, rows[0].Type)

	var email model.EmailNotification
	require.NoError(t, json.Unmarshal(rows[0].Payload, &email))
	assert.Equal(t, "alice@new.example.com", email.To)
	assert.Contains(t, email.Body, "alice@example.com")
}

func TestHandleEventRejectsMalformedPayloads(t *testing.T) {
	tests := []struct {
		name string
		msg  broker.Message
	}{
		{"not json", broker.Message{ID: "e1", EventType: "user_created", Payload: []byte("{")}},
		{"missing user", broker.Message{ID: "e2", EventType: "user_created", Payload: []byte(`{"email":"a@b.c"}`)}},
		{"missing email", broker.Message{ID: "e3", EventType: "user_email_changed", Payload: []byte(`{"user_id":1}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()

			err := f.consumerService().HandleEvent(context.Background(), tt.msg)
			assert.ErrorIs(t, err, model.ErrMalformedEvent)
			assert.Empty(t, f.notifications.all())
		})
	}
}

func TestHandleEventIgnoresUnknownType(t *testing.T) {
	f := newFixture()

	err := f.consumerService().HandleEvent(context.Background(), broker.Message{ID: "e1", EventType: "order_placed", Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.Empty(t, f.notifications.all())
}

func TestHandleEventReportsStorageFailureAsTransient(t *testing.T) {
	f := newFixture()
	f.notifications.createErr = errBoom

	err := f.consumerService().HandleEvent(context.Background(), userCreatedMessage(t, "evt-1"))
	assert.ErrorIs(t, err, model.ErrTransientDependency)
	assert.ErrorIs(t, err, errBoom)
}
