package model

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is the class of errors for malformed or missing input.
	// Rejected before any mutation.
	ErrValidation = errors.New("validation failed")
	// ErrConflict is returned when an idempotency key is reused with a different request.
	ErrConflict = errors.New("idempotency key reused with a different request")
	// ErrRequestInProgress is returned when a reservation for the key has not been finalized yet.
	ErrRequestInProgress = errors.New("request with this idempotency key is still in progress")
	// ErrTransientDependency marks broker or database failures that are retried with backoff.
	ErrTransientDependency = errors.New("dependency temporarily unavailable")
	// ErrTerminalFailure marks rows whose delivery attempts are exhausted.
	ErrTerminalFailure = errors.New("delivery attempts exhausted")
	// ErrLeaseLost is returned when a status update finds the row no longer leased by the caller.
	ErrLeaseLost = errors.New("lease lost")
	// ErrMalformedEvent is returned when a consumed event cannot be decoded.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrUserNotFound is returned when user is not found in database.
	ErrUserNotFound = errors.New("user not found")
	// ErrEmailTaken is returned when the email belongs to another user.
	ErrEmailTaken = errors.New("email already registered")
	// ErrNotFound is returned by repositories for missing rows.
	ErrNotFound = errors.New("not found")
)

var (
	// ErrInvalidName is returned when user name is empty or invalid.
	ErrInvalidName = NewValidationError("name", "name is required")
	// ErrInvalidEmail is returned when user email is empty.
	ErrInvalidEmail = NewValidationError("email", "email is required")
	// ErrMalformedEmail is returned when user email cannot be parsed.
	ErrMalformedEmail = NewValidationError("email", "email is malformed")
	// ErrIdempotencyKeyRequired is returned when the command has no idempotency key.
	ErrIdempotencyKeyRequired = NewValidationError("idempotency_key", "idempotency key is required")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Unwrap lets errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// ConflictError carries the key whose stored request hash did not match.
type ConflictError struct {
	Key string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("idempotency key %q: %s", e.Key, ErrConflict.Error())
}

// Unwrap lets errors.Is(err, ErrConflict) match.
func (e *ConflictError) Unwrap() error {
	return ErrConflict
}
