package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/careflow/pkg/cmd"
	cli "github.com/urfave/cli/v3"
)

func NewDefinitionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "definitions",
		Aliases: []string{"defs"},
		Usage:   "Manage stored workflow definitions",
		Commands: []*cli.Command{
			{
				Name:      "apply",
				Usage:     "Validate definition files and store them",
				ArgsUsage: "<definition.json>...",
				Flags:     cmd.RuntimeFlags(),
				Action: func(ctx context.Context, command *cli.Command) error {
					if command.Args().Len() == 0 {
						return ErrMissingFile
					}

					return withRuntime(ctx, command, "definitions.apply", func(rt *cmd.Runtime, logger *slog.Logger) error {
						for _, path := range command.Args().Slice() {
							def, err := loadDefinition(rt.Graph, path)
							if err != nil {
								return fmt.Errorf("%s: %w", path, err)
							}

							now := rt.Clock.Now()
							if def.CreatedAt.IsZero() {
								def.CreatedAt = now
							}

							def.UpdatedAt = now

							if err := rt.Store.DefinitionRepository().Save(ctx, def); err != nil {
								return fmt.Errorf("failed to save %s: %w", def.ID, err)
							}

							logger.InfoContext(ctx, "Definition stored", "workflow_id", def.ID, "active", def.IsActive)
							fmt.Fprintf(writer(command), "%s: stored as %s\n", path, def.ID)
						}

						return nil
					})
				},
			},
			{
				Name:  "list",
				Usage: "List active definitions",
				Flags: append(cmd.RuntimeFlags(), &cli.StringFlag{
					Name:  "trigger-type",
					Usage: "Only definitions with this trigger type",
				}),
				Action: func(ctx context.Context, command *cli.Command) error {
					return withRuntime(ctx, command, "definitions.list", func(rt *cmd.Runtime, _ *slog.Logger) error {
						defs, err := rt.Store.DefinitionRepository().Active(ctx, command.String("trigger-type"))
						if err != nil {
							return err
						}

						for _, def := range defs {
							fmt.Fprintf(writer(command), "%s\t%s\t%s\n", def.ID, def.TriggerType, def.Name)
						}

						return nil
					})
				},
			},
			{
				Name:      "show",
				Usage:     "Print a stored definition",
				ArgsUsage: "<workflow-id>",
				Flags:     cmd.RuntimeFlags(),
				Action: func(ctx context.Context, command *cli.Command) error {
					return withRuntime(ctx, command, "definitions.show", func(rt *cmd.Runtime, _ *slog.Logger) error {
						def, err := rt.Store.DefinitionRepository().ByID(ctx, command.Args().First())
						if err != nil {
							return err
						}

						return printJSON(command, def)
					})
				},
			},
		},
	}
}
