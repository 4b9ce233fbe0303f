package model

// CreateUserCommand is a create-user request carrying the client's idempotency key.
type CreateUserCommand struct {
	IdempotencyKey string
	Params         CreateUserParams
}

// ChangeEmailCommand is a change-email request carrying the client's idempotency key.
type ChangeEmailCommand struct {
	IdempotencyKey string
	UserID         int64
	Params         ChangeEmailParams
}

// ErrorResponse is the body stored and returned for rejected commands.
type ErrorResponse struct {
	Error string `json:"error"`
}
