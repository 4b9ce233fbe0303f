package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jnst/outbox-pipeline/internal/model"
	"github.com/jnst/outbox-pipeline/internal/repository"
)

// Command names fold into the request hash so one key cannot be replayed across commands.
const (
	commandCreateUser  = "create_user"
	commandChangeEmail = "change_email"
)

// UserServiceImpl implements UserService for user management business logic.
type UserServiceImpl struct {
	userRepo       repository.UserRepository
	outboxRepo     repository.OutboxRepository
	idempotency    IdempotencyService
	transactionMgr repository.TransactionManager
	now            func() time.Time
}

// NewUserServiceImpl creates a new UserService implementation.
func NewUserServiceImpl(
	userRepo repository.UserRepository,
	outboxRepo repository.OutboxRepository,
	idempotency IdempotencyService,
	transactionMgr repository.TransactionManager,
	now func() time.Time,
) UserService {
	return &UserServiceImpl{
		userRepo:       userRepo,
		outboxRepo:     outboxRepo,
		idempotency:    idempotency,
		transactionMgr: transactionMgr,
		now:            now,
	}
}

// RequestHash is the SHA-256 of the command name and the canonical JSON of its input.
func RequestHash(command string, input any) (string, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(command))
	h.Write([]byte{0})
	h.Write(body)

	return hex.EncodeToString(h.Sum(nil)), nil
}

// CreateUser creates a new user and records a user_created outbox event, at most once per key.
func (s *UserServiceImpl) CreateUser(ctx context.Context, cmd *model.CreateUserCommand) (*model.CommandResult, error) {
	params := cmd.Params
	params.Normalize()

	if err := validateCommand(cmd.IdempotencyKey, params.Validate); err != nil {
		return nil, err
	}

	hash, err := RequestHash(commandCreateUser, params)
	if err != nil {
		return nil, err
	}

	return s.execute(ctx, cmd.IdempotencyKey, hash, func(ctx context.Context) (int, any, error) {
		return s.createUser(ctx, &params)
	})
}

// ChangeEmail changes a user's email and records a user_email_changed outbox event, at most once per key.
func (s *UserServiceImpl) ChangeEmail(ctx context.Context, cmd *model.ChangeEmailCommand) (*model.CommandResult, error) {
	params := cmd.Params
	params.Normalize()

	if err := validateCommand(cmd.IdempotencyKey, params.Validate); err != nil {
		return nil, err
	}

	if cmd.UserID <= 0 {
		return nil, model.NewValidationError("id", "id must be positive")
	}

	hash, err := RequestHash(commandChangeEmail, struct {
		UserID int64  `json:"user_id"`
		Email  string `json:"email"`
	}{cmd.UserID, params.Email})
	if err != nil {
		return nil, err
	}

	return s.execute(ctx, cmd.IdempotencyKey, hash, func(ctx context.Context) (int, any, error) {
		return s.changeEmail(ctx, cmd.UserID, params.Email)
	})
}

// GetUser retrieves a user by ID.
func (s *UserServiceImpl) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return s.userRepo.GetByID(ctx, id)
}

func validateCommand(key string, validate func() error) error {
	if strings.TrimSpace(key) == "" {
		return model.ErrIdempotencyKeyRequired
	}

	return validate()
}

// execute runs mutate once per key. The reservation, the mutation, its outbox row and
// the stored response commit together; replays and conflicts touch nothing.
func (s *UserServiceImpl) execute(
	ctx context.Context,
	key, hash string,
	mutate func(ctx context.Context) (int, any, error),
) (*model.CommandResult, error) {
	var result *model.CommandResult

	err := s.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
		decision, err := s.idempotency.ReserveOrReplay(ctx, key, hash)
		if err != nil {
			return err
		}

		switch decision.Kind {
		case model.DecisionReplay:
			result = &model.CommandResult{
				StatusCode: decision.Record.ResponseCode,
				Body:       decision.Record.ResponseBody,
				Replayed:   true,
			}

			return nil
		case model.DecisionConflict:
			return &model.ConflictError{Key: key}
		case model.DecisionExecute:
		}

		code, response, err := mutate(ctx)
		if err != nil {
			return err
		}

		body, err := json.Marshal(response)
		if err != nil {
			return fmt.Errorf("failed to encode response: %w", err)
		}

		if err := s.idempotency.Finalize(ctx, key, hash, code, body); err != nil {
			return err
		}

		result = &model.CommandResult{StatusCode: code, Body: body}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (s *UserServiceImpl) createUser(ctx context.Context, params *model.CreateUserParams) (int, any, error) {
	_, err := s.userRepo.GetByEmail(ctx, params.Email)
	if err == nil {
		return http.StatusConflict, model.ErrorResponse{Error: model.ErrEmailTaken.Error()}, nil
	}

	if !errors.Is(err, model.ErrUserNotFound) {
		return 0, nil, fmt.Errorf("failed to check email: %w", err)
	}

	user, err := s.userRepo.Create(ctx, params)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create user: %w", err)
	}

	event := model.UserCreatedEvent{
		UserID:    user.ID,
		Name:      user.Name,
		Email:     user.Email,
		CreatedAt: user.CreatedAt,
		Action:    model.EventActionUserCreated,
	}

	if err := s.createOutboxEvent(ctx, user.ID, model.EventActionUserCreated, event); err != nil {
		return 0, nil, err
	}

	return http.StatusCreated, user, nil
}

func (s *UserServiceImpl) changeEmail(ctx context.Context, id int64, email string) (int, any, error) {
	current, err := s.userRepo.GetByIDForUpdate(ctx, id)
	if errors.Is(err, model.ErrUserNotFound) {
		return http.StatusNotFound, model.ErrorResponse{Error: model.ErrUserNotFound.Error()}, nil
	}

	if err != nil {
		return 0, nil, fmt.Errorf("failed to load user: %w", err)
	}

	if current.Email == email {
		return http.StatusOK, current, nil
	}

	owner, err := s.userRepo.GetByEmail(ctx, email)
	if err == nil && owner.ID != id {
		return http.StatusConflict, model.ErrorResponse{Error: model.ErrEmailTaken.Error()}, nil
	}

	if err != nil && !errors.Is(err, model.ErrUserNotFound) {
		return 0, nil, fmt.Errorf("failed to check email: %w", err)
	}

	updated, err := s.userRepo.UpdateEmail(ctx, id, email)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to update email: %w", err)
	}

	event := model.UserEmailChangedEvent{
		UserID:        updated.ID,
		Name:          updated.Name,
		PreviousEmail: current.Email,
		Email:         updated.Email,
		ChangedAt:     updated.UpdatedAt,
		Action:        model.EventActionUserEmailChanged,
	}

	if err := s.createOutboxEvent(ctx, updated.ID, model.EventActionUserEmailChanged, event); err != nil {
		return 0, nil, err
	}

	return http.StatusOK, updated, nil
}

func (s *UserServiceImpl) createOutboxEvent(
	ctx context.Context, userID int64, action model.EventAction, event any,
) error {
	payloadJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	eventID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate event id: %w", err)
	}

	_, err = s.outboxRepo.CreateEvent(ctx, &model.CreateOutboxEventParams{
		EventID:      eventID.String(),
		EventType:    string(action),
		AggregateKey: fmt.Sprintf("user_%d", userID),
		Payload:      payloadJSON,
		CreatedAt:    s.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to create outbox event: %w", err)
	}

	return nil
}
