package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// OutboundTopic carries messages to the provider gateway.
const OutboundTopic = "careflow.messages.outbound"

// Metadata keys set on outbound watermill messages.
const (
	IdempotencyKeyMetadata = "idempotency_key"
	ChannelMetadata        = "channel"
)

// PublishingSender hands messages to the provider gateway over a watermill publisher. A
// successful publish counts as a successful send; the gateway owns provider retries.
type PublishingSender struct {
	publisher message.Publisher
	topic     string
}

func NewPublishingSender(publisher message.Publisher, topic string) *PublishingSender {
	if topic == "" {
		topic = OutboundTopic
	}

	return &PublishingSender{publisher: publisher, topic: topic}
}

func (s *PublishingSender) Send(ctx context.Context, msg Message) Result {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Failed(msg.Channel, fmt.Errorf("data: failed to encode message: %w", err))
	}

	out := message.NewMessage(watermill.NewUUID(), payload)
	out.Metadata.Set(IdempotencyKeyMetadata, msg.Metadata.IdempotencyKey)
	out.Metadata.Set(ChannelMetadata, string(msg.Channel))
	out.SetContext(ctx)

	if err := s.publisher.Publish(s.topic, out); err != nil {
		return Failed(msg.Channel, fmt.Errorf("network: failed to publish message: %w", err))
	}

	return Result{Success: true, Channel: msg.Channel, MessageID: out.UUID}
}
