package model

import "time"

// IdempotencyRecord stores the response of the first execution of a command.
// ResponseCode is zero while the key is reserved but not finalized.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseCode int
	ResponseBody []byte
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// Finalized reports whether the record holds a response.
func (r *IdempotencyRecord) Finalized() bool {
	return r.ResponseCode != 0
}

// DecisionKind is the outcome of ReserveOrReplay.
type DecisionKind int

const (
	// DecisionExecute means the caller owns the key and must run the command.
	DecisionExecute DecisionKind = iota
	// DecisionReplay means a finalized response exists for the same request.
	DecisionReplay
	// DecisionConflict means the key was used for a different request.
	DecisionConflict
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionExecute:
		return "execute"
	case DecisionReplay:
		return "replay"
	case DecisionConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// IdempotencyDecision is returned by ReserveOrReplay. Record is nil for DecisionExecute.
type IdempotencyDecision struct {
	Kind   DecisionKind
	Record *IdempotencyRecord
}

// ReserveIdempotencyParams holds arguments for reserving a key.
type ReserveIdempotencyParams struct {
	Key         string
	RequestHash string
	Now         time.Time
	ExpiresAt   time.Time
}

// FinalizeIdempotencyParams holds arguments for storing the response.
type FinalizeIdempotencyParams struct {
	Key          string
	RequestHash  string
	ResponseCode int
	ResponseBody []byte
	ExpiresAt    time.Time
}

// CommandResult is the response of a command, fresh or replayed.
type CommandResult struct {
	StatusCode int
	Body       []byte
	Replayed   bool
}
