package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/careflow/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Topic carries trigger events published by clinic systems.
const Topic = "careflow.triggers"

// Message is the wire form of an Event on Topic.
type Message struct {
	EventType          string                  `json:"event_type"`
	Context            models.ExecutionContext `json:"context"`
	Content            string                  `json:"content,omitempty"`
	CancellationReason string                  `json:"cancellation_reason,omitempty"`
}

func (m Message) Event() Event {
	return Event{
		Type:               m.EventType,
		Context:            m.Context,
		Content:            m.Content,
		CancellationReason: m.CancellationReason,
	}
}

// Enqueuer starts the executions matching an event.
type Enqueuer interface {
	EnqueueTrigger(ctx context.Context, event Event) ([]*models.WorkflowExecution, error)
}

// Publish sends a trigger event to Topic.
func Publish(ctx context.Context, publisher message.Publisher, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode trigger event: %w", err)
	}

	out := message.NewMessage(watermill.NewULID(), payload)

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	for k, v := range carrier {
		out.Metadata.Set(k, v)
	}

	return publisher.Publish(Topic, out)
}

// Consumer feeds trigger events from Topic into an Enqueuer.
type Consumer struct {
	subscriber message.Subscriber
	enqueuer   Enqueuer
	logger     *slog.Logger
}

func NewConsumer(subscriber message.Subscriber, enqueuer Enqueuer, logger *slog.Logger) *Consumer {
	return &Consumer{
		subscriber: subscriber,
		enqueuer:   enqueuer,
		logger:     logger.With("module", "trigger_consumer"),
	}
}

// Start subscribes to Topic and handles messages until ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	messages, err := c.subscriber.Subscribe(ctx, Topic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", Topic, err)
	}

	c.logger.InfoContext(ctx, "Consuming trigger events", "topic", Topic)

	go func() {
		for msg := range messages {
			c.handle(ctx, msg)
		}
	}()

	return nil
}

// handle nacks only deliveries that failed without starting any execution; everything else
// is acked.
func (c *Consumer) handle(ctx context.Context, msg *message.Message) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Metadata))
	logger := c.logger.With("message_id", msg.UUID)

	var payload Message
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		logger.ErrorContext(ctx, "Dropping malformed trigger event", "error", err)
		msg.Ack()

		return
	}

	executions, err := c.enqueuer.EnqueueTrigger(ctx, payload.Event())

	switch {
	case errors.Is(err, ErrUnknownEventType):
		logger.WarnContext(ctx, "Dropping trigger event of unknown type", "event_type", payload.EventType)
		msg.Ack()
	case err != nil && len(executions) == 0:
		logger.ErrorContext(ctx, "Failed to handle trigger event, requesting redelivery", "event_type", payload.EventType, "error", err)
		msg.Nack()
	case err != nil:
		logger.ErrorContext(ctx, "Trigger event partially handled", "event_type", payload.EventType, "started", len(executions), "error", err)
		msg.Ack()
	default:
		logger.DebugContext(ctx, "Trigger event handled", "event_type", payload.EventType, "started", len(executions))
		msg.Ack()
	}
}
