package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/jnst/outbox-pipeline/internal/model"
	"github.com/jnst/outbox-pipeline/internal/service"
)

const (
	contentTypeJSON        = "Content-Type"
	applicationJSON        = "application/json"
	headerIdempotencyKey   = "Idempotency-Key"
	headerReplayed         = "Idempotent-Replayed"
	failedToEncodeResponse = "failed to encode response"
	decimalBase            = 10
	int64BitSize           = 64
)

// APIServer handles HTTP requests for user management.
type APIServer struct {
	userService service.UserService
	logger      *slog.Logger
}

// NewAPIServer creates a new API server instance.
func NewAPIServer(userService service.UserService, logger *slog.Logger) *APIServer {
	return &APIServer{
		userService: userService,
		logger:      logger,
	}
}

// Routes returns the handler serving every endpoint.
func (s *APIServer) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/users", s.CreateUser)
	mux.HandleFunc("/users/email", s.ChangeEmail)
	mux.HandleFunc("/users/get", s.GetUser)
	mux.HandleFunc("/health", s.HealthCheck)

	return mux
}

// CreateUser handles POST /users endpoint for user creation.
func (s *APIServer) CreateUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var params model.CreateUserParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.writeJSON(w, http.StatusBadRequest, model.ErrorResponse{Error: "invalid JSON"})
		return
	}

	result, err := s.userService.CreateUser(r.Context(), &model.CreateUserCommand{
		IdempotencyKey: r.Header.Get(headerIdempotencyKey),
		Params:         params,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeResult(w, result)
}

// ChangeEmail handles POST /users/email?id= endpoint for changing a user's email.
func (s *APIServer) ChangeEmail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, ok := s.parseID(w, r)
	if !ok {
		return
	}

	var params model.ChangeEmailParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.writeJSON(w, http.StatusBadRequest, model.ErrorResponse{Error: "invalid JSON"})
		return
	}

	result, err := s.userService.ChangeEmail(r.Context(), &model.ChangeEmailCommand{
		IdempotencyKey: r.Header.Get(headerIdempotencyKey),
		UserID:         id,
		Params:         params,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeResult(w, result)
}

// GetUser handles GET /users/get endpoint for user retrieval.
func (s *APIServer) GetUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, ok := s.parseID(w, r)
	if !ok {
		return
	}

	user, err := s.userService.GetUser(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, user)
}

// HealthCheck handles GET /health endpoint for service health check.
func (s *APIServer) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *APIServer) parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	idStr := r.URL.Query().Get("id")
	if idStr == "" {
		s.writeJSON(w, http.StatusBadRequest, model.ErrorResponse{Error: "id parameter is required"})
		return 0, false
	}

	id, err := strconv.ParseInt(idStr, decimalBase, int64BitSize)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, model.ErrorResponse{Error: "invalid id parameter"})
		return 0, false
	}

	return id, true
}

// writeResult writes a command response. Replays carry the stored body byte for byte.
func (s *APIServer) writeResult(w http.ResponseWriter, result *model.CommandResult) {
	w.Header().Set(contentTypeJSON, applicationJSON)
	if result.Replayed {
		w.Header().Set(headerReplayed, "true")
	}

	w.WriteHeader(result.StatusCode)

	if _, err := w.Write(result.Body); err != nil {
		s.logger.Warn("failed to write response", slog.String("error", err.Error()))
	}
}

func (s *APIServer) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := http.StatusText(status)

	switch {
	case errors.Is(err, model.ErrValidation):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, model.ErrConflict), errors.Is(err, model.ErrRequestInProgress), errors.Is(err, model.ErrEmailTaken):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, model.ErrUserNotFound):
		status, msg = http.StatusNotFound, err.Error()
	default:
		s.logger.Error("request failed", slog.String("error", err.Error()))
	}

	s.writeJSON(w, status, model.ErrorResponse{Error: msg})
}

func (s *APIServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set(contentTypeJSON, applicationJSON)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn(failedToEncodeResponse, slog.String("error", err.Error()))
	}
}
