package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"possync/internal/domain"
	"possync/internal/lease"
)

type passRunner interface {
	RunOnce(ctx context.Context) (domain.SyncRunResult, error)
}

type WorkerOptions struct {
	Interval time.Duration
	Logger   *slog.Logger
}

// Worker runs passes back to back with a fixed pause between them.
type Worker struct {
	runner   passRunner
	interval time.Duration
	logger   *slog.Logger
}

func NewWorker(runner passRunner, opts WorkerOptions) *Worker {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Worker{
		runner:   runner,
		interval: opts.Interval,
		logger:   opts.Logger,
	}
}

// Run blocks until ctx is done. A pass in flight when ctx ends stops at the
// next order boundary.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("pos sync worker started", slog.Duration("interval", w.interval))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("pos sync worker stopped")
			return nil
		case <-timer.C:
		}

		w.tick(ctx)
		timer.Reset(w.interval)
	}
}

func (w *Worker) tick(ctx context.Context) {
	result, err := w.runner.RunOnce(ctx)
	switch {
	case errors.Is(err, lease.ErrHeld):
		w.logger.Info("skipping pass; another worker holds the sync lease")
		return
	case errors.Is(err, ErrPassInProgress):
		w.logger.Info("skipping pass; previous pass still running")
		return
	case err != nil:
		w.logger.Error("unhandled error during pos sync", slog.String("error", err.Error()))
		return
	}

	for _, f := range result.Failures {
		w.logger.Warn("failed to sync order",
			slog.String("order_id", f.OrderID),
			slog.String("stage", f.Stage),
			slog.String("error", f.Message),
		)
	}
}
