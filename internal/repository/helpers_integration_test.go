//go:build integration

package repository_test

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jnst/outbox-pipeline/internal/config"
	"github.com/jnst/outbox-pipeline/internal/db"
	"github.com/jnst/outbox-pipeline/internal/model"
	"github.com/jnst/outbox-pipeline/internal/repository"
)

const (
	pgUser     = "outbox"
	pgPassword = "secret"
	pgDatabase = "outbox_db"
)

func postgresDSN(host string, port nat.Port) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", pgUser, pgPassword, host, port.Port(), pgDatabase)
}

// setup starts a fresh PostgreSQL container with the schema applied.
func setup(t *testing.T) (context.Context, *pgxpool.Pool) {
	t.Helper()

	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	port := nat.Port("5432/tcp")

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{string(port)},
			Env: map[string]string{
				"POSTGRES_USER":     pgUser,
				"POSTGRES_PASSWORD": pgPassword,
				"POSTGRES_DB":       pgDatabase,
			},
			WaitingFor: wait.ForSQL(port, "pgx", postgresDSN).WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("start postgres container: %v", err)
	}

	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)

	mappedPort, err := container.MappedPort(ctx, port)
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, postgresDSN(host, mappedPort))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, db.Migrate(ctx, pool))

	return ctx, pool
}

// baseTime is truncated to the microsecond precision of timestamptz.
func baseTime() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func seedEvent(t *testing.T, ctx context.Context, repo repository.OutboxRepository, at time.Time) string {
	t.Helper()

	id := uuid.NewString()
	_, err := repo.CreateEvent(ctx, &model.CreateOutboxEventParams{
		EventID:      id,
		EventType:    string(model.EventActionUserCreated),
		AggregateKey: "user_1",
		Payload:      []byte(`{"user_id":1}`),
		CreatedAt:    at,
	})
	require.NoError(t, err)

	return id
}

// failEvent seeds an event created at createdAt and drives it to FAILED at failedAt.
func failEvent(t *testing.T, ctx context.Context, repo repository.OutboxRepository, createdAt, failedAt time.Time) string {
	t.Helper()

	id := seedEvent(t, ctx, repo, createdAt)
	owner := "failer-" + id

	batch, err := repo.Lease(ctx, model.LeaseParams{Owner: owner, Now: createdAt, Duration: time.Minute, Limit: 1})
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, id, batch[0].EventID)

	require.NoError(t, repo.RecordFailure(ctx, model.FailureParams{
		ID: id, Owner: owner, AttemptCount: 10, Terminal: true, FailedAt: failedAt, LastError: "broker unavailable",
	}))

	return id
}

func countRows(t *testing.T, ctx context.Context, pool *pgxpool.Pool, table string) int {
	t.Helper()

	var n int
	require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM "+table).Scan(&n))

	return n
}

func retentionConfig() config.RetentionConfig {
	return config.RetentionConfig{
		Enabled:      true,
		Interval:     time.Hour,
		PublishedTTL: 24 * time.Hour,
		SentTTL:      24 * time.Hour,
		FailedTTL:    72 * time.Hour,
		BatchLimit:   1000,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}
