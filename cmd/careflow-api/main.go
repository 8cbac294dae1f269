package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/careflow/pkg/cmd"
	"github.com/dukex/careflow/pkg/log"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	command := &cli.Command{
		Name:                  "careflow-api",
		Usage:                 "Receive trigger events and manage workflow definitions",
		EnableShellCompletion: true,
		Flags: append(cmd.RuntimeFlags(),
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.BoolFlag{
				Name:    "consume-triggers",
				Usage:   "Also start workflows from trigger events published on the event bus",
				Value:   true,
				Sources: cli.EnvVars("CONSUME_TRIGGERS"),
			},
			&cli.StringFlag{
				Name:    "webhook-secret",
				Usage:   "Shared secret verifying incoming message webhooks",
				Sources: cli.EnvVars("WEBHOOK_SECRET"),
			},
		),
		Action: func(ctx context.Context, command *cli.Command) error {
			cmd.SetupLogging(command)

			logger := log.WithModule("careflow-api")
			logger.InfoContext(ctx, "Initializing Careflow API")

			opts, err := cmd.OptionsFromCommand(command, "careflow-api", "")
			if err != nil {
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

			if command.String("webhook-secret") == "" {
				logger.WarnContext(ctx, "No webhook secret configured, message webhooks are rejected")
			}

			if command.Bool("consume-triggers") {
				if err := rt.StartTriggerConsumer(ctx); err != nil {
					return err
				}
			}

			api := NewAPI(logger, rt, command.String("webhook-secret"))

			return api.Start(ctx, command.Int("port"))
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := command.Run(ctx, os.Args); err != nil {
		log.WithModule("careflow-api").Error("Careflow API exited", "error", err)
		os.Exit(1)
	}
}
