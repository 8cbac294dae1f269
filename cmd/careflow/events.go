package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/dukex/careflow/pkg/cmd"
	"github.com/dukex/careflow/pkg/events"
	cli "github.com/urfave/cli/v3"
)

func NewEventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "Follow workflow lifecycle events",
		Commands: []*cli.Command{
			{
				Name:  "tail",
				Usage: "Print events as JSON lines until interrupted",
				Flags: append(cmd.RuntimeFlags(), &cli.StringSliceFlag{
					Name:  "type",
					Usage: "Only events of these types, all when empty",
				}),
				Action: func(ctx context.Context, command *cli.Command) error {
					return withRuntime(ctx, command, "events.tail", func(rt *cmd.Runtime, logger *slog.Logger) error {
						var mu sync.Mutex

						encoder := json.NewEncoder(writer(command))

						types := events.Types
						if selected := command.StringSlice("type"); len(selected) > 0 {
							types = make([]events.EventType, 0, len(selected))
							for _, t := range selected {
								types = append(types, events.EventType(t))
							}
						}

						for _, eventType := range types {
							err := rt.EventBus.Handle(eventType, func(_ context.Context, event any) error {
								mu.Lock()
								defer mu.Unlock()

								return encoder.Encode(event)
							})
							if err != nil {
								return err
							}
						}

						if err := rt.EventBus.Subscribe(ctx); err != nil {
							return err
						}

						logger.InfoContext(ctx, "Following events", "types", types)

						<-ctx.Done()

						return nil
					})
				},
			},
		},
	}
}
