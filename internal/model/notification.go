package model

import "time"

// NotificationStatus is the delivery state of a notification row.
type NotificationStatus string

const (
	// NotificationStatusPending rows are eligible for leasing once next_retry_at has passed.
	NotificationStatusPending NotificationStatus = "PENDING"
	// NotificationStatusProcessing rows are leased by a delivery worker until lease_until.
	NotificationStatusProcessing NotificationStatus = "PROCESSING"
	// NotificationStatusSent is terminal.
	NotificationStatusSent NotificationStatus = "SENT"
	// NotificationStatusFailed is terminal and requires operator intervention.
	NotificationStatusFailed NotificationStatus = "FAILED"
)

// NotificationType names the notification template.
type NotificationType string

const (
	// NotificationTypeWelcomeEmail greets a newly created user.
	NotificationTypeWelcomeEmail NotificationType = "welcome_email"
	// NotificationTypeEmailChanged tells the user their address changed.
	NotificationTypeEmailChanged NotificationType = "email_changed"
)

// Notification is a delivery queue row derived from a consumed event.
type Notification struct {
	ID            string             `json:"id"`
	SourceEventID string             `json:"source_event_id"`
	TargetUserID  int64              `json:"target_user_id"`
	Type          NotificationType   `json:"type"`
	Payload       []byte             `json:"payload"`
	Status        NotificationStatus `json:"status"`
	LockedBy      string             `json:"locked_by,omitempty"`
	LockedAt      *time.Time         `json:"locked_at,omitempty"`
	LeaseUntil    *time.Time         `json:"lease_until,omitempty"`
	AttemptCount  int                `json:"attempt_count"`
	NextRetryAt   time.Time          `json:"next_retry_at"`
	LastError     string             `json:"last_error,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	SentAt        *time.Time         `json:"sent_at,omitempty"`
	FailedAt      *time.Time         `json:"failed_at,omitempty"`
}

// CreateNotificationParams represents parameters for enqueuing a notification.
type CreateNotificationParams struct {
	ID            string
	SourceEventID string
	TargetUserID  int64
	Type          NotificationType
	Payload       []byte
	CreatedAt     time.Time
}

// EmailNotification is the payload rendered by the notification sink.
type EmailNotification struct {
	To      string `json:"to"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}
