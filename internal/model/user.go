// Package model defines domain models and data structures.
package model

import (
	"net/mail"
	"strings"
	"time"
)

// User represents a user entity.
type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateUserParams represents parameters for creating a new user.
type CreateUserParams struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Normalize trims surrounding whitespace and lower-cases the email.
func (p *CreateUserParams) Normalize() {
	p.Name = strings.TrimSpace(p.Name)
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
}

// Validate validates the create user parameters.
func (p *CreateUserParams) Validate() error {
	if p.Name == "" {
		return ErrInvalidName
	}

	return validateEmail(p.Email)
}

// ChangeEmailParams represents parameters for changing a user's email.
type ChangeEmailParams struct {
	Email string `json:"email"`
}

// Normalize lower-cases and trims the email.
func (p *ChangeEmailParams) Normalize() {
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
}

// Validate validates the change email parameters.
func (p *ChangeEmailParams) Validate() error {
	return validateEmail(p.Email)
}

func validateEmail(email string) error {
	if email == "" {
		return ErrInvalidEmail
	}

	if _, err := mail.ParseAddress(email); err != nil {
		return ErrMalformedEmail
	}

	return nil
}

// EventAction represents the type of event action.
type EventAction string

const (
	// EventActionUserCreated represents the user creation event action.
	EventActionUserCreated EventAction = "user_created"
	// EventActionUserEmailChanged represents the email change event action.
	EventActionUserEmailChanged EventAction = "user_email_changed"
)

// UserCreatedEvent represents the payload for user creation events.
type UserCreatedEvent struct {
	UserID    int64       `json:"user_id"`
	Name      string      `json:"name"`
	Email     string      `json:"email"`
	CreatedAt time.Time   `json:"created_at"`
	Action    EventAction `json:"action"`
}

// UserEmailChangedEvent represents the payload for email change events.
type UserEmailChangedEvent struct {
	UserID        int64       `json:"user_id"`
	Name          string      `json:"name"`
	PreviousEmail string      `json:"previous_email"`
	Email         string      `json:"email"`
	ChangedAt     time.Time   `json:"changed_at"`
	Action        EventAction `json:"action"`
}
