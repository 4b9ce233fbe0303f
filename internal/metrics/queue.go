// Package metrics exports queue depth gauges read from the database at observation time.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jnst/outbox-pipeline/internal/model"
)

// InstrumentationName is the meter name used by RegisterQueueGauges.
const InstrumentationName = "github.com/jnst/outbox-pipeline/internal/metrics"

// StatsSource reports the current state of one work table.
// Both OutboxRepository and NotificationRepository satisfy it.
type StatsSource interface {
	Stats(ctx context.Context, now time.Time) (*model.QueueStats, error)
}

// QueueGauges observes every source on each collection.
type QueueGauges struct {
	pending metric.Int64ObservableGauge
	leased  metric.Int64ObservableGauge
	failed  metric.Int64ObservableGauge
	oldest  metric.Float64ObservableGauge

	sources []StatsSource
	now     func() time.Time
	logger  *slog.Logger
}

// RegisterQueueGauges creates the queue gauges on meter and registers their callback.
// Unregister the returned registration on shutdown.
func RegisterQueueGauges(
	meter metric.Meter,
	now func() time.Time,
	logger *slog.Logger,
	sources ...StatsSource,
) (metric.Registration, error) {
	g := &QueueGauges{
		sources: sources,
		now:     now,
		logger:  logger.With(slog.String("component", "queue_metrics")),
	}

	var err error

	g.pending, err = meter.Int64ObservableGauge("queue.pending",
		metric.WithDescription("Rows waiting to be leased."),
		metric.WithUnit("{row}"))
	if err != nil {
		return nil, fmt.Errorf("failed to create pending gauge: %w", err)
	}

	g.leased, err = meter.Int64ObservableGauge("queue.leased",
		metric.WithDescription("Rows currently leased by a worker."),
		metric.WithUnit("{row}"))
	if err != nil {
		return nil, fmt.Errorf("failed to create leased gauge: %w", err)
	}

	g.failed, err = meter.Int64ObservableGauge("queue.failed",
		metric.WithDescription("Rows parked after exhausting their attempts."),
		metric.WithUnit("{row}"))
	if err != nil {
		return nil, fmt.Errorf("failed to create failed gauge: %w", err)
	}

	g.oldest, err = meter.Float64ObservableGauge("queue.oldest_pending_age",
		metric.WithDescription("Age of the oldest pending row."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to create oldest pending age gauge: %w", err)
	}

	reg, err := meter.RegisterCallback(g.observe, g.pending, g.leased, g.failed, g.oldest)
	if err != nil {
		return nil, fmt.Errorf("failed to register queue gauges: %w", err)
	}

	return reg, nil
}

func (g *QueueGauges) observe(ctx context.Context, o metric.Observer) error {
	var errs []error

	now := g.now()

	for _, src := range g.sources {
		stats, err := src.Stats(ctx, now)
		if err != nil {
			g.logger.Warn("failed to read queue stats", slog.String("error", err.Error()))
			errs = append(errs, err)

			continue
		}

		attrs := metric.WithAttributes(attribute.String("queue", stats.Queue))
		o.ObserveInt64(g.pending, stats.Pending, attrs)
		o.ObserveInt64(g.leased, stats.Leased, attrs)
		o.ObserveInt64(g.failed, stats.Failed, attrs)
		o.ObserveFloat64(g.oldest, stats.OldestPendingAge.Seconds(), attrs)
	}

	return errors.Join(errs...)
}
