package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/outbox-pipeline/internal/db"
	"github.com/jnst/outbox-pipeline/internal/model"
)

// UserRepositoryImpl implements UserRepository using PostgreSQL.
type UserRepositoryImpl struct {
	queries
}

// NewUserRepositoryImpl creates a new UserRepository implementation.
func NewUserRepositoryImpl(pool *pgxpool.Pool) UserRepository {
	return &UserRepositoryImpl{queries{db: db.New(pool)}}
}

// Create creates a new user. A duplicate email yields model.ErrEmailTaken.
func (r *UserRepositoryImpl) Create(ctx context.Context, params *model.CreateUserParams) (*model.User, error) {
	dbUser, err := r.from(ctx).CreateUser(ctx, &db.CreateUserParams{
		Name:  params.Name,
		Email: params.Email,
	})
	if err != nil {
		if IsUniqueViolation(err) {
			return nil, model.ErrEmailTaken
		}

		return nil, err
	}

	return toUser(dbUser), nil
}

// GetByID retrieves a user by ID.
func (r *UserRepositoryImpl) GetByID(ctx context.Context, id int64) (*model.User, error) {
	dbUser, err := r.from(ctx).GetUser(ctx, id)
	if err != nil {
		return nil, userNotFound(err)
	}

	return toUser(dbUser), nil
}

// GetByIDForUpdate retrieves a user by ID and locks the row until the transaction ends.
func (r *UserRepositoryImpl) GetByIDForUpdate(ctx context.Context, id int64) (*model.User, error) {
	dbUser, err := r.from(ctx).GetUserForUpdate(ctx, id)
	if err != nil {
		return nil, userNotFound(err)
	}

	return toUser(dbUser), nil
}

// GetByEmail retrieves a user by email.
func (r *UserRepositoryImpl) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	dbUser, err := r.from(ctx).GetUserByEmail(ctx, email)
	if err != nil {
		return nil, userNotFound(err)
	}

	return toUser(dbUser), nil
}

// UpdateEmail changes the user's email and returns the updated row.
func (r *UserRepositoryImpl) UpdateEmail(ctx context.Context, id int64, email string) (*model.User, error) {
	dbUser, err := r.from(ctx).UpdateUserEmail(ctx, &db.UpdateUserEmailParams{
		ID:    id,
		Email: email,
	})
	if err != nil {
		if IsUniqueViolation(err) {
			return nil, model.ErrEmailTaken
		}

		return nil, userNotFound(err)
	}

	return toUser(dbUser), nil
}

func userNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrUserNotFound
	}

	return err
}

func toUser(u db.User) *model.User {
	return &model.User{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		CreatedAt: u.CreatedAt.Time,
		UpdatedAt: u.UpdatedAt.Time,
	}
}
