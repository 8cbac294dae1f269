package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/careflow/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func main() {
	command := NewApp()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := command.Run(ctx, os.Args); err != nil {
		log.WithModule("careflow").Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func NewApp() *cli.Command {
	return &cli.Command{
		Name:                  "careflow",
		Usage:                 "Inspect and operate careflow workflows",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			NewValidateCommand(),
			NewDefinitionsCommand(),
			NewExecutionsCommand(),
			NewQueueCommand(),
			NewEventsCommand(),
		},
	}
}
