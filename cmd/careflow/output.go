package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"

	"github.com/dukex/careflow/pkg/cmd"
	"github.com/dukex/careflow/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func writer(command *cli.Command) io.Writer {
	if w := command.Root().Writer; w != nil {
		return w
	}

	return os.Stdout
}

func printJSON(command *cli.Command, v any) error {
	encoder := json.NewEncoder(writer(command))
	encoder.SetIndent("", "  ")

	return encoder.Encode(v)
}

// withRuntime builds a runtime from the runtime flags, runs fn and closes it.
func withRuntime(ctx context.Context, command *cli.Command, action string, fn func(*cmd.Runtime, *slog.Logger) error) error {
	cmd.SetupLogging(command)

	logger := log.WithModule("careflow").With("action", action)

	opts, err := cmd.OptionsFromCommand(command, "careflow", "")
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

	return fn(rt, logger)
}
