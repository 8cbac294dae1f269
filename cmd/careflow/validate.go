package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dukex/careflow/pkg/cmd"
	"github.com/dukex/careflow/pkg/condition"
	"github.com/dukex/careflow/pkg/delay"
	"github.com/dukex/careflow/pkg/graph"
	"github.com/dukex/careflow/pkg/log"
	"github.com/dukex/careflow/pkg/models"
	cli "github.com/urfave/cli/v3"
)

var (
	ErrMissingFile       = errors.New("definition file argument is required")
	ErrInvalidDefinition = errors.New("definition is invalid")
)

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Validate workflow definition files",
		ArgsUsage: "<definition.json>...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "holidays",
				Usage:   "Holiday calendar YAML file, \"none\" disables holidays",
				Sources: cli.EnvVars("CAREFLOW_HOLIDAYS"),
			},
		},
		Action: func(_ context.Context, command *cli.Command) error {
			if command.Args().Len() == 0 {
				return ErrMissingFile
			}

			holidays, err := cmd.NewHolidays(command.String("holidays"))
			if err != nil {
				return err
			}

			validator := graph.NewValidator(delay.NewCalculator(holidays, log.Discard()), condition.NewEvaluator(), nil)

			invalid := 0

			for _, path := range command.Args().Slice() {
				def, err := loadDefinition(validator, path)
				if err != nil {
					invalid++

					fmt.Fprintf(writer(command), "%s: invalid\n", path)

					for _, graphErr := range graph.Errors(err) {
						fmt.Fprintf(writer(command), "  - %s\n", graphErr)
					}

					if len(graph.Errors(err)) == 0 {
						fmt.Fprintf(writer(command), "  - %s\n", err)
					}

					continue
				}

				fmt.Fprintf(writer(command), "%s: ok (%s, %d nodes, %d edges)\n", path, def.ID, len(def.Nodes), len(def.Edges))
			}

			if invalid > 0 {
				return fmt.Errorf("%w: %d of %d files", ErrInvalidDefinition, invalid, command.Args().Len())
			}

			return nil
		},
	}
}

// loadDefinition reads, schema checks and graph validates a definition file.
func loadDefinition(validator *graph.Validator, path string) (*models.WorkflowDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	def, err := graph.ParseDefinition(raw)
	if err != nil {
		return nil, err
	}

	if _, err := validator.Validate(def); err != nil {
		return nil, err
	}

	return def, nil
}
