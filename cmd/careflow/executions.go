package main

import (
	"context"
	"log/slog"

	"github.com/dukex/careflow/pkg/cmd"
	cli "github.com/urfave/cli/v3"
)

func NewExecutionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "executions",
		Aliases: []string{"exec"},
		Usage:   "Inspect and cancel workflow executions",
		Commands: []*cli.Command{
			{
				Name:      "show",
				Usage:     "Print an execution with its log",
				ArgsUsage: "<execution-id>",
				Flags:     cmd.RuntimeFlags(),
				Action: func(ctx context.Context, command *cli.Command) error {
					return withRuntime(ctx, command, "executions.show", func(rt *cmd.Runtime, _ *slog.Logger) error {
						exec, err := rt.Store.ExecutionRepository().ByID(ctx, command.Args().First())
						if err != nil {
							return err
						}

						return printJSON(command, exec)
					})
				},
			},
			{
				Name:      "cancel",
				Usage:     "Cancel an execution and its pending jobs",
				ArgsUsage: "<execution-id>",
				Flags: append(cmd.RuntimeFlags(), &cli.StringFlag{
					Name:  "reason",
					Usage: "Recorded in the execution log",
					Value: "cancelled by operator",
				}),
				Action: func(ctx context.Context, command *cli.Command) error {
					return withRuntime(ctx, command, "executions.cancel", func(rt *cmd.Runtime, logger *slog.Logger) error {
						exec, err := rt.Engine.Cancel(ctx, command.Args().First(), command.String("reason"))
						if err != nil {
							return err
						}

						logger.InfoContext(ctx, "Execution cancelled", "execution_id", exec.ID)

						return printJSON(command, exec)
					})
				},
			},
		},
	}
}
