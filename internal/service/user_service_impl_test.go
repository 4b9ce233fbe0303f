package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/outbox-pipeline/internal/model"
)

func createCmd(key, name, email string) *model.CreateUserCommand {
	return &model.CreateUserCommand{
		IdempotencyKey: key,
		Params:         model.CreateUserParams{Name: name, Email: email},
	}
}

func TestCreateUserRecordsUserAndOutboxEvent(t *testing.T) {
	f := newFixture()
	svc := f.userService()

	res, err := svc.CreateUser(context.Background(), createCmd("key-1", " Alice ", "Alice@Example.com"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.False(t, res.Replayed)

	var user model.User
	require.NoError(t, json.Unmarshal(res.Body, &user))
	assert.Equal(t, "Alice", user.Name)
	assert.Equal(t, "alice@example.com", user.Email)

	events := f.outbox.events()
	require.Len(t, events, 1)
	assert.Equal(t, string(model.EventActionUserCreated), events[0].EventType)
	assert.Equal(t, "user_1", events[0].AggregateKey)
	assert.Equal(t, model.OutboxStatusPending, events[0].Status)
	assert.Equal(t, f.clock.Now(), events[0].NextRetryAt)

	var payload model.UserCreatedEvent
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, user.ID, payload.UserID)
	assert.Equal(t, "alice@example.com", payload.Email)

	rec, err := f.idempotencyService().Lookup(context.Background(), "key-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, http.StatusCreated, rec.ResponseCode)
	assert.JSONEq(t, string(res.Body), string(rec.ResponseBody))
}

func TestCreateUserReplaysSameRequest(t *testing.T) {
	f := newFixture()
	svc := f.userService()
	ctx := context.Background()

	first, err := svc.CreateUser(ctx, createCmd("key-1", "Alice", "alice@example.com"))
	require.NoError(t, err)

	// Normalization makes these the same request.
	second, err := svc.CreateUser(ctx, createCmd("key-1", "Alice ", "ALICE@example.com"))
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.StatusCode, second.StatusCode)
	assert.Equal(t, first.Body, second.Body)
	assert.Len(t, f.db.users, 1)
	assert.Len(t, f.outbox.events(), 1)
}

func TestCreateUserConflictOnDifferentRequest(t *testing.T) {
	f := newFixture()
	svc := f.userService()
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, createCmd("key-1", "Alice", "alice@example.com"))
	require.NoError(t, err)

	_, err = svc.CreateUser(ctx, createCmd("key-1", "Bob", "bob@example.com"))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrConflict)

	var conflict *model.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "key-1", conflict.Key)

	assert.Len(t, f.db.users, 1)
	assert.Len(t, f.outbox.events(), 1)
}

func TestCreateUserValidationRejectsBeforeMutation(t *testing.T) {
	tests := []struct {
		name string
		cmd  *model.CreateUserCommand
		want error
	}{
		{"blank key", createCmd("  ", "Alice", "alice@example.com"), model.ErrIdempotencyKeyRequired},
		{"missing name", createCmd("key-1", "", "alice@example.com"), model.ErrInvalidName},
		{"missing email", createCmd("key-1", "Alice", ""), model.ErrInvalidEmail},
		{"malformed email", createCmd("key-1", "Alice", "not-an-email"), model.ErrMalformedEmail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()

			_, err := f.userService().CreateUser(context.Background(), tt.cmd)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, model.ErrValidation)

			assert.Zero(t, f.tx.calls)
			assert.Empty(t, f.db.idempotency)
			assert.Empty(t, f.db.users)
		})
	}
}

func TestCreateUserEmailTakenIsRecorded(t *testing.T) {
	f := newFixture()
	svc := f.userService()
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, createCmd("key-1", "Alice", "alice@example.com"))
	require.NoError(t, err)

	res, err := svc.CreateUser(ctx, createCmd("key-2", "Other Alice", "alice@example.com"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.JSONEq(t, `{"error":"email already registered"}`, string(res.Body))
	assert.Len(t, f.outbox.events(), 1)

	replay, err := svc.CreateUser(ctx, createCmd("key-2", "Other Alice", "alice@example.com"))
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, http.StatusConflict, replay.StatusCode)
}

func TestCreateUserRollsBackWhenOutboxFails(t *testing.T) {
	f := newFixture()
	f.outbox.createErr = errBoom

	_, err := f.userService().CreateUser(context.Background(), createCmd("key-1", "Alice", "alice@example.com"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)

	assert.Empty(t, f.db.users)
	assert.Empty(t, f.db.idempotency)
	assert.Empty(t, f.outbox.events())
}

func TestChangeEmail(t *testing.T) {
	f := newFixture()
	svc := f.userService()
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, createCmd("key-1", "Alice", "alice@example.com"))
	require.NoError(t, err)

	cmd := &model.ChangeEmailCommand{
		IdempotencyKey: "key-2",
		UserID:         1,
		Params:         model.ChangeEmailParams{Email: "alice@new.example.com"},
	}

	res, err := svc.ChangeEmail(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	events := f.outbox.events()
	require.Len(t, events, 2)
	assert.Equal(t, string(model.EventActionUserEmailChanged), events[1].EventType)

	var payload model.UserEmailChangedEvent
	require.NoError(t, json.Unmarshal(events[1].Payload, &payload))
	assert.Equal(t, "alice@example.com", payload.PreviousEmail)
	assert.Equal(t, "alice@new.example.com", payload.Email)

	replay, err := svc.ChangeEmail(ctx, cmd)
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, res.Body, replay.Body)
	assert.Len(t, f.outbox.events(), 2)
}

func TestChangeEmailOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		userID     int64
		email      string
		wantStatus int
	}{
		{"unknown user", 42, "ghost@example.com", http.StatusNotFound},
		{"same address", 1, "alice@example.com", http.StatusOK},
		{"address of another user", 1, "bob@example.com", http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			svc := f.userService()
			ctx := context.Background()

			_, err := svc.CreateUser(ctx, createCmd("seed-1", "Alice", "alice@example.com"))
			require.NoError(t, err)
			_, err = svc.CreateUser(ctx, createCmd("seed-2", "Bob", "bob@example.com"))
			require.NoError(t, err)

			res, err := svc.ChangeEmail(ctx, &model.ChangeEmailCommand{
				IdempotencyKey: "change-1",
				UserID:         tt.userID,
				Params:         model.ChangeEmailParams{Email: tt.email},
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, res.StatusCode)

			// Only the two seed events; none of these outcomes changes state.
			assert.Len(t, f.outbox.events(), 2)

			rec, err := f.idempotencyService().Lookup(ctx, "change-1")
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.Equal(t, tt.wantStatus, rec.ResponseCode)
		})
	}
}

func TestChangeEmailRejectsInvalidID(t *testing.T) {
	f := newFixture()

	_, err := f.userService().ChangeEmail(context.Background(), &model.ChangeEmailCommand{
		IdempotencyKey: "key-1",
		UserID:         0,
		Params:         model.ChangeEmailParams{Email: "alice@example.com"},
	})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestRequestHashSeparatesCommands(t *testing.T) {
	input := map[string]string{"email": "alice@example.com"}

	a, err := RequestHash(commandCreateUser, input)
	require.NoError(t, err)
	b, err := RequestHash(commandChangeEmail, input)
	require.NoError(t, err)
	again, err := RequestHash(commandCreateUser, input)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Equal(t, a, again)
	assert.Len(t, a, 64)
}
