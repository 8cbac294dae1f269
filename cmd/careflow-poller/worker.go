package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/careflow/pkg/cmd"
	"github.com/dukex/careflow/pkg/queue"
	"github.com/robfig/cron/v3"
)

const (
	cleanupSchedule = "@hourly"
	stopTimeout     = 30 * time.Second
)

// Worker runs the queue poller and the retention cleanup of one careflow-poller process.
type Worker struct {
	runtime *cmd.Runtime
	poller  *queue.Poller
	logger  *slog.Logger
}

func NewWorker(rt *cmd.Runtime, logger *slog.Logger) (*Worker, error) {
	poller, err := rt.NewPoller()
	if err != nil {
		return nil, err
	}

	return &Worker{runtime: rt, poller: poller, logger: logger}, nil
}

// Run polls on the configured cadence until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.poller.Start(ctx); err != nil {
		return err
	}

	cleanup := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if w.runtime.Config.Poller.Retention > 0 {
		if _, err := cleanup.AddFunc(cleanupSchedule, func() { w.cleanup(ctx) }); err != nil {
			return fmt.Errorf("failed to schedule cleanup: %w", err)
		}

		cleanup.Start()
	}

	<-ctx.Done()

	w.logger.Info("Stopping Careflow Poller")

	<-cleanup.Stop().Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()

	return w.poller.Stop(stopCtx)
}

// RunOnce performs a single tick followed by cleanup, for cron jobs and serverless runs.
func (w *Worker) RunOnce(ctx context.Context) error {
	result, err := w.poller.RunOnce(ctx)
	if err != nil {
		return err
	}

	w.logger.InfoContext(ctx, "Tick finished",
		"swept", result.Swept,
		"claimed", result.Claimed,
		"succeeded", result.Succeeded,
		"requeued", result.Requeued,
		"failed", result.Failed)

	w.cleanup(ctx)

	return nil
}

func (w *Worker) cleanup(ctx context.Context) {
	retention := w.runtime.Config.Poller.Retention
	if retention <= 0 {
		return
	}

	deleted, err := w.runtime.Queue.Cleanup(ctx, retention)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to clean up finished jobs", "error", err)

		return
	}

	if deleted > 0 {
		w.logger.InfoContext(ctx, "Cleaned up finished jobs", "deleted", deleted, "retention", retention)
	}
}
