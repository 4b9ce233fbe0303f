package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jnst/outbox-pipeline/internal/broker"
	"github.com/jnst/outbox-pipeline/internal/model"
	"github.com/jnst/outbox-pipeline/internal/repository"
)

// EventConsumerServiceImpl implements EventConsumerService for the notification subscriber.
type EventConsumerServiceImpl struct {
	notificationRepo repository.NotificationRepository
	now              func() time.Time
	logger           *slog.Logger
}

// NewEventConsumerServiceImpl creates a new EventConsumerService implementation.
func NewEventConsumerServiceImpl(
	notificationRepo repository.NotificationRepository,
	now func() time.Time,
	logger *slog.Logger,
) EventConsumerService {
	return &EventConsumerServiceImpl{
		notificationRepo: notificationRepo,
		now:              now,
		logger:           logger.With(slog.String("component", "event_consumer")),
	}
}

// HandleEvent enqueues the notification derived from msg. Redelivered events are no-ops.
// Undecodable payloads yield model.ErrMalformedEvent.
func (s *EventConsumerServiceImpl) HandleEvent(ctx context.Context, msg broker.Message) error {
	var (
		params *model.CreateNotificationParams
		err    error
	)

	switch model.EventAction(msg.EventType) {
	case model.EventActionUserCreated:
		params, err = s.welcomeEmail(msg)
	case model.EventActionUserEmailChanged:
		params, err = s.emailChanged(msg)
	default:
		s.logger.Warn("unknown event type", slog.String("event_type", msg.EventType), slog.String("event_id", msg.ID))

		return nil
	}

	if err != nil {
		return err
	}

	inserted, err := s.notificationRepo.Create(ctx, params)
	if err != nil {
		return fmt.Errorf("%w: failed to enqueue notification: %w", model.ErrTransientDependency, err)
	}

	if !inserted {
		s.logger.Info("duplicate event ignored", slog.String("event_id", msg.ID))

		return nil
	}

	s.logger.Info("notification enqueued",
		slog.String("event_id", msg.ID),
		slog.String("notification_id", params.ID),
		slog.String("type", string(params.Type)),
	)

	return nil
}

func (s *EventConsumerServiceImpl) welcomeEmail(msg broker.Message) (*model.CreateNotificationParams, error) {
	var event model.UserCreatedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return nil, fmt.Errorf("%w: user_created %s: %w", model.ErrMalformedEvent, msg.ID, err)
	}

	if event.UserID == 0 || event.Email == "" {
		return nil, fmt.Errorf("%w: user_created %s: missing user", model.ErrMalformedEvent, msg.ID)
	}

	return s.notification(msg.ID, event.UserID, model.NotificationTypeWelcomeEmail, model.EmailNotification{
		To:      event.Email,
		Name:    event.Name,
		Subject: "Welcome!",
		Body:    fmt.Sprintf("Hi %s, thanks for signing up.", event.Name),
	})
}

func (s *EventConsumerServiceImpl) emailChanged(msg broker.Message) (*model.CreateNotificationParams, error) {
	var event model.UserEmailChangedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return nil, fmt.Errorf("%w: user_email_changed %s: %w", model.ErrMalformedEvent, msg.ID, err)
	}

	if event.UserID == 0 || event.Email == "" {
		return nil, fmt.Errorf("%w: user_email_changed %s: missing user", model.ErrMalformedEvent, msg.ID)
	}

	return s.notification(msg.ID, event.UserID, model.NotificationTypeEmailChanged, model.EmailNotification{
		To:      event.Email,
		Name:    event.Name,
		Subject: "Your email address was changed",
		Body:    fmt.Sprintf("Hi %s, your email changed from %s to %s.", event.Name, event.PreviousEmail, event.Email),
	})
}

func (s *EventConsumerServiceImpl) notification(
	sourceEventID string, userID int64, typ model.NotificationType, email model.EmailNotification,
) (*model.CreateNotificationParams, error) {
	payload, err := json.Marshal(email)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notification payload: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate notification id: %w", err)
	}

	return &model.CreateNotificationParams{
		ID:            id.String(),
		SourceEventID: sourceEventID,
		TargetUserID:  userID,
		Type:          typ,
		Payload:       payload,
		CreatedAt:     s.now(),
	}, nil
}
