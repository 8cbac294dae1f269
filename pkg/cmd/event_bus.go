package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/careflow/pkg/eventbus"
	"github.com/dukex/careflow/pkg/pubsub/gochannel"
	"github.com/dukex/careflow/pkg/pubsub/kafka"
)

var ErrUnsupportedEventBus = errors.New("unsupported event bus provider")

// NewPubSub connects the watermill transport shared by the event bus and the outbound
// message publisher.
func NewPubSub(provider, brokers, serviceName string, logger *slog.Logger) (message.Publisher, message.Subscriber, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "", "gochannel":
		return gochannel.CreateChannel(wmLogger)
	case "kafka":
		pub, sub, err := kafka.CreateChannel(wmLogger, kafka.ParseBrokers(brokers), serviceName)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return pub, sub, nil
	default:
		return nil, nil, fmt.Errorf("%w %q", ErrUnsupportedEventBus, provider)
	}
}

func NewEventBus(pub message.Publisher, sub message.Subscriber, logger *slog.Logger) eventbus.EventBus {
	return eventbus.NewWatermillEventBus(pub, sub, logger)
}
