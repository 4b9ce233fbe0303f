package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jnst/outbox-pipeline/internal/app"
	"github.com/jnst/outbox-pipeline/internal/db"
	"github.com/jnst/outbox-pipeline/internal/model"
	"github.com/jnst/outbox-pipeline/internal/repository"
)

const (
	queueOutbox        = "outbox"
	queueNotifications = "notifications"
	defaultListLimit   = 50
)

var errUnknownQueue = errors.New("queue must be outbox or notifications")

func parseQueue(name string) (string, error) {
	switch name {
	case queueOutbox, queueNotifications:
		return name, nil
	default:
		return "", fmt.Errorf("%w: %q", errUnknownQueue, name)
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd.Context(), func(s *session) error {
				if err := db.Migrate(cmd.Context(), s.pool); err != nil {
					return err
				}

				fmt.Fprintln(cmd.OutOrStdout(), "schema applied")

				return nil
			})
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth per table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd.Context(), func(s *session) error {
				now := time.Now()

				outbox, err := repository.NewOutboxRepositoryImpl(s.pool).Stats(cmd.Context(), now)
				if err != nil {
					return err
				}

				notifications, err := repository.NewNotificationRepositoryImpl(s.pool).Stats(cmd.Context(), now)
				if err != nil {
					return err
				}

				return printStats(cmd.OutOrStdout(), outbox, notifications)
			})
		},
	}
}

func printStats(w io.Writer, stats ...*model.QueueStats) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "QUEUE\tPENDING\tLEASED\tFAILED\tDONE\tOLDEST PENDING")

	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n",
			s.Queue, s.Pending, s.Leased, s.Failed, s.Done, s.OldestPendingAge.Truncate(time.Second))
	}

	return tw.Flush()
}

func failedCmd() *cobra.Command {
	var (
		queue string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List rows parked in FAILED with their last error",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := parseQueue(queue)
			if err != nil {
				return err
			}

			return withSession(cmd.Context(), func(s *session) error {
				if q == queueOutbox {
					events, err := repository.NewOutboxRepositoryImpl(s.pool).ListFailed(cmd.Context(), limit)
					if err != nil {
						return err
					}

					return printFailedEvents(cmd.OutOrStdout(), events)
				}

				items, err := repository.NewNotificationRepositoryImpl(s.pool).ListFailed(cmd.Context(), limit)
				if err != nil {
					return err
				}

				return printFailedNotifications(cmd.OutOrStdout(), items)
			})
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", queueOutbox, "queue to list (outbox, notifications)")
	cmd.Flags().IntVarP(&limit, "limit", "n", defaultListLimit, "maximum rows")

	return cmd
}

func printFailedEvents(w io.Writer, events []*model.OutboxEvent) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT ID\tTYPE\tAGGREGATE\tATTEMPTS\tCREATED\tFAILED\tLAST ERROR")

	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			e.EventID, e.EventType, e.AggregateKey, e.AttemptCount,
			e.CreatedAt.Format(time.RFC3339), formatTime(e.FailedAt), e.LastError)
	}

	return tw.Flush()
}

func printFailedNotifications(w io.Writer, items []*model.Notification) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSOURCE EVENT\tATTEMPTS\tCREATED\tFAILED\tLAST ERROR")

	for _, n := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			n.ID, n.Type, n.SourceEventID, n.AttemptCount,
			n.CreatedAt.Format(time.RFC3339), formatTime(n.FailedAt), n.LastError)
	}

	return tw.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}

	return t.Format(time.RFC3339)
}

func requeueCmd() *cobra.Command {
	var queue, id string

	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "Move a FAILED row back to PENDING with its attempt count reset",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := parseQueue(queue)
			if err != nil {
				return err
			}

			return withSession(cmd.Context(), func(s *session) error {
				now := time.Now()

				if q == queueOutbox {
					err = repository.NewOutboxRepositoryImpl(s.pool).Requeue(cmd.Context(), id, now)
				} else {
					err = repository.NewNotificationRepositoryImpl(s.pool).Requeue(cmd.Context(), id, now)
				}

				if errors.Is(err, model.ErrNotFound) {
					return fmt.Errorf("%s %s is not in FAILED", q, id)
				}

				if err != nil {
					return err
				}

				s.log.Info("row requeued", slog.String("queue", q), slog.String("id", id))
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %s %s\n", q, id)

				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", queueOutbox, "queue holding the row (outbox, notifications)")
	cmd.Flags().StringVar(&id, "id", "", "event id or notification id")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention pass",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd.Context(), func(s *session) error {
				res, err := app.NewRetentionService(s.cfg, s.pool, s.log).Sweep(cmd.Context())
				if res.Skipped {
					fmt.Fprintln(cmd.OutOrStdout(), "another replica holds the sweep lock; nothing done")

					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(),
					"deleted %d rows (outbox published %d, outbox failed %d, notifications sent %d, notifications failed %d, idempotency keys %d)\n",
					res.Total(), res.OutboxPublished, res.OutboxFailed, res.NotificationsSent, res.NotificationsFailed, res.IdempotencyExpired)

				return err
			})
		},
	}
}
