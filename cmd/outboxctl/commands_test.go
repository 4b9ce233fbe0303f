package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/outbox-pipeline/internal/model"
)

func TestParseQueue(t *testing.T) {
	for _, name := range []string{"outbox", "notifications"} {
		q, err := parseQueue(name)
		require.NoError(t, err)
		assert.Equal(t, name, q)
	}

	_, err := parseQueue("users")
	assert.ErrorIs(t, err, errUnknownQueue)
}

func TestRequeueRejectsUnknownQueueBeforeConnecting(t *testing.T) {
	root := rootCmd()
	root.SetArgs([]string{"requeue", "--queue", "users", "--id", "evt-1"})
	root.SetOut(&bytes.Buffer{})

	err := root.Execute()
	assert.ErrorIs(t, err, errUnknownQueue)
}

func TestRequeueRequiresID(t *testing.T) {
	root := rootCmd()
	root.SetArgs([]string{"requeue", "--queue", "outbox"})
	root.SetOut(&bytes.Buffer{})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id")
}

func TestRootHasOperatorCommands(t *testing.T) {
	var names []string
	for _, c := range rootCmd().Commands() {
		names = append(names, c.Name())
	}

	assert.ElementsMatch(t, []string{"migrate", "stats", "failed", "requeue", "sweep"}, names)
}

func TestPrintStats(t *testing.T) {
	var buf bytes.Buffer

	err := printStats(&buf,
		&model.QueueStats{Queue: "outbox_events", Pending: 3, Leased: 1, Failed: 2, Done: 10, OldestPendingAge: 95500 * time.Millisecond},
		&model.QueueStats{Queue: "notifications"},
	)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"outbox_events", "3", "1", "2", "10", "1m35s"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"notifications", "0", "0", "0", "0", "0s"}, strings.Fields(lines[2]))
}

func TestPrintFailedEvents(t *testing.T) {
	var buf bytes.Buffer
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	failed := created.Add(6 * time.Hour)

	err := printFailedEvents(&buf, []*model.OutboxEvent{{
		EventID:      "evt-1",
		EventType:    "user_created",
		AggregateKey: "user_1",
		AttemptCount: 10,
		CreatedAt:    created,
		FailedAt:     &failed,
		LastError:    "broker unavailable",
	}})
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "evt-1")
	assert.Contains(t, buf.String(), "2026-03-01T12:00:00Z")
	assert.Contains(t, buf.String(), "2026-03-01T18:00:00Z")
	assert.Contains(t, buf.String(), "broker unavailable")
}

func TestFormatTime(t *testing.T) {
	assert.Equal(t, "-", formatTime(nil))

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-03-01T12:00:00Z", formatTime(&ts))
}
