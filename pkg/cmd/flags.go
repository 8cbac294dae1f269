package cmd

import (
	"fmt"

	"github.com/dukex/careflow/pkg/config"
	"github.com/dukex/careflow/pkg/log"
	cli "github.com/urfave/cli/v3"
)

// RuntimeFlags are accepted by every binary that builds a Runtime.
func RuntimeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to careflow.yaml, defaults are used when empty",
			Sources: cli.EnvVars("CAREFLOW_CONFIG"),
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Database connection URL for persistence (memory:// or postgres://)",
			Value:   "memory://",
			Sources: cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (gochannel, kafka)",
			Value:   "gochannel",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Comma separated Kafka brokers",
			Value:   "localhost:9092",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL for idempotency keys, in-memory keys are used when empty",
			Sources: cli.EnvVars("REDIS_URL"),
		},
		&cli.StringFlag{
			Name:    "sender",
			Usage:   "Outbound message sender (log, publish)",
			Value:   "log",
			Sources: cli.EnvVars("CAREFLOW_SENDER"),
		},
		&cli.StringFlag{
			Name:    "holidays",
			Usage:   "Holiday calendar YAML file, \"none\" disables holidays",
			Sources: cli.EnvVars("CAREFLOW_HOLIDAYS"),
		},
		&cli.BoolFlag{
			Name:    "tracing",
			Usage:   "Export OpenTelemetry traces over OTLP/HTTP",
			Sources: cli.EnvVars("CAREFLOW_TRACING"),
		},
		&cli.BoolFlag{
			Name:    "metrics",
			Usage:   "Export OpenTelemetry metrics over OTLP/HTTP",
			Sources: cli.EnvVars("CAREFLOW_METRICS"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json)",
			Value:   "text",
			Sources: cli.EnvVars("LOG_FORMAT"),
		},
	}
}

// SetupLogging installs the default logger from the log flags.
func SetupLogging(command *cli.Command) {
	log.Setup(command.String("log-level"), command.String("log-format"))
}

// OptionsFromCommand reads RuntimeFlags and the config file they point to.
func OptionsFromCommand(command *cli.Command, serviceName, workerID string) (Options, error) {
	file, err := config.LoadOrDefault(command.String("config"))
	if err != nil {
		return Options{}, fmt.Errorf("failed to load config: %w", err)
	}

	return Options{
		ServiceName:  serviceName,
		WorkerID:     workerID,
		DatabaseURL:  command.String("database-url"),
		EventBus:     command.String("event-bus"),
		KafkaBrokers: command.String("kafka-brokers"),
		RedisURL:     command.String("redis-url"),
		Sender:       command.String("sender"),
		HolidaysPath: command.String("holidays"),
		Tracing:      command.Bool("tracing"),
		Metrics:      command.Bool("metrics"),
		Config:       file,
	}, nil
}
