package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/careflow/pkg/cmd"
	"github.com/dukex/careflow/pkg/config"
	"github.com/dukex/careflow/pkg/log"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "careflow-poller",
		Usage:                 "Resume suspended workflow branches from the job queue",
		EnableShellCompletion: true,
		Flags: append(cmd.RuntimeFlags(),
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:    "schedule",
				Usage:   "Cron expression of the poll cadence",
				Sources: cli.EnvVars("POLLER_SCHEDULE"),
			},
			&cli.IntFlag{
				Name:    "workers",
				Usage:   "Jobs processed concurrently per tick",
				Sources: cli.EnvVars("POLLER_WORKERS"),
			},
			&cli.IntFlag{
				Name:    "batch-size",
				Usage:   "Jobs claimed per tick",
				Sources: cli.EnvVars("POLLER_BATCH_SIZE"),
			},
			&cli.DurationFlag{
				Name:    "lease",
				Usage:   "How long a claimed job is held before it returns to the queue",
				Sources: cli.EnvVars("POLLER_LEASE"),
			},
			&cli.DurationFlag{
				Name:    "retention",
				Usage:   "Age after which finished jobs are deleted, 0 keeps them",
				Sources: cli.EnvVars("POLLER_RETENTION"),
			},
			&cli.BoolFlag{
				Name:    "schedule-triggers",
				Usage:   "Fire schedule triggers on every tick",
				Sources: cli.EnvVars("POLLER_SCHEDULE_TRIGGERS"),
			},
			&cli.BoolFlag{
				Name:  "once",
				Usage: "Run a single tick and exit",
			},
		),
		Action: func(ctx context.Context, command *cli.Command) error {
			cmd.SetupLogging(command)

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("careflow-poller").With("worker_id", workerID)
			logger.InfoContext(ctx, "Initializing Careflow Poller")

			opts, err := cmd.OptionsFromCommand(command, "careflow-poller", workerID)
			if err != nil {
				return err
			}

			opts.Config.Poller = pollerOverrides(command, opts.Config.Poller)
			if err := opts.Config.Poller.Validate(); err != nil {
				return err
			}

			rt, err := cmd.NewRuntime(ctx, logger, opts)
			if err != nil {
				return err
			}

			defer func() {
				if err := rt.Close(context.WithoutCancel(ctx)); err != nil {
					logger.ErrorContext(ctx, "Failed to close runtime", "error", err)
				}
			}()

			worker, err := NewWorker(rt, logger)
			if err != nil {
				return err
			}

			if command.Bool("once") {
				return worker.RunOnce(ctx)
			}

			return worker.Run(ctx)
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := command.Run(ctx, os.Args); err != nil {
		log.WithModule("careflow-poller").Error("Careflow Poller exited", "error", err)
		os.Exit(1)
	}
}

// pollerOverrides applies flags that were set explicitly over the config file.
func pollerOverrides(command *cli.Command, cfg config.Poller) config.Poller {
	if command.IsSet("schedule") {
		cfg.Schedule = command.String("schedule")
	}

	if command.IsSet("workers") {
		cfg.Workers = command.Int("workers")
	}

	if command.IsSet("batch-size") {
		cfg.BatchSize = command.Int("batch-size")
	}

	if command.IsSet("lease") {
		cfg.Lease = command.Duration("lease")
	}

	if command.IsSet("retention") {
		cfg.Retention = command.Duration("retention")
	}

	if command.IsSet("schedule-triggers") {
		cfg.ScheduleTriggers = command.Bool("schedule-triggers")
	}

	return cfg
}
