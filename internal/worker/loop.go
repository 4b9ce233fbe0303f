// Package worker runs periodic tasks until their context is cancelled.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// Task is one poll cycle of a loop.
type Task func(ctx context.Context) error

// Loop calls Task immediately and then every Interval. A failing or panicking
// Task is logged and the next tick tries again.
type Loop struct {
	Name     string
	Interval time.Duration
	Enabled  bool
	Task     Task
	Logger   *slog.Logger
}

// Run blocks until ctx is done. A disabled loop returns at once.
func (l Loop) Run(ctx context.Context) error {
	logger := l.Logger.With(slog.String("loop", l.Name))

	if !l.Enabled {
		logger.Info("loop disabled")

		return nil
	}

	if l.Interval <= 0 {
		return fmt.Errorf("loop %s: interval must be positive", l.Name)
	}

	logger.Info("loop started", slog.Duration("interval", l.Interval))

	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	for {
		if ctx.Err() == nil {
			l.tick(ctx, logger)
		}

		select {
		case <-ctx.Done():
			logger.Info("loop stopped")

			return nil
		case <-ticker.C:
		}
	}
}

func (l Loop) tick(ctx context.Context, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("loop task panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	if err := l.Task(ctx); err != nil && ctx.Err() == nil {
		logger.Error("loop task failed", slog.String("error", err.Error()))
	}
}

// RunAll runs loops concurrently until ctx is done or one of them returns an error.
func RunAll(ctx context.Context, loops ...Loop) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, l := range loops {
		g.Go(func() error {
			return l.Run(ctx)
		})
	}

	return g.Wait()
}
