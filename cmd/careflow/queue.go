package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/careflow/pkg/cmd"
	cli "github.com/urfave/cli/v3"
)

func NewQueueCommand() *cli.Command {
	return &cli.Command{
		Name:    "queue",
		Aliases: []string{"q"},
		Usage:   "Inspect and maintain the job queue",
		Commands: []*cli.Command{
			{
				Name:  "stats",
				Usage: "Print job counts by status",
				Flags: cmd.RuntimeFlags(),
				Action: func(ctx context.Context, command *cli.Command) error {
					return withRuntime(ctx, command, "queue.stats", func(rt *cmd.Runtime, _ *slog.Logger) error {
						stats, err := rt.Queue.Stats(ctx)
						if err != nil {
							return err
						}

						return printJSON(command, stats)
					})
				},
			},
			{
				Name:  "cleanup",
				Usage: "Delete finished jobs older than a retention window",
				Flags: append(cmd.RuntimeFlags(), &cli.DurationFlag{
					Name:  "older-than",
					Usage: "Retention window",
					Value: 7 * 24 * time.Hour,
				}),
				Action: func(ctx context.Context, command *cli.Command) error {
					return withRuntime(ctx, command, "queue.cleanup", func(rt *cmd.Runtime, _ *slog.Logger) error {
						deleted, err := rt.Queue.Cleanup(ctx, command.Duration("older-than"))
						if err != nil {
							return err
						}

						fmt.Fprintf(writer(command), "deleted %d finished jobs\n", deleted)

						return nil
					})
				},
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a single queued job",
				ArgsUsage: "<job-id>",
				Flags:     cmd.RuntimeFlags(),
				Action: func(ctx context.Context, command *cli.Command) error {
					return withRuntime(ctx, command, "queue.cancel", func(rt *cmd.Runtime, _ *slog.Logger) error {
						return rt.Queue.Cancel(ctx, command.Args().First())
					})
				},
			},
		},
	}
}
