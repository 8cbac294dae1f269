// Package messaging delivers outbound patient messages through channel providers.
package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/careflow/pkg/models"
)

// ErrNoChannel is returned when a message names a channel no sender handles.
var ErrNoChannel = errors.New("validation: no sender configured for channel")

// Metadata travels with a message to the provider.
type Metadata struct {
	IdempotencyKey string `json:"idempotency_key"`
	ExecutionID    string `json:"execution_id"`
	WorkflowID     string `json:"workflow_id"`
	NodeID         string `json:"node_id"`
	Attempt        int    `json:"attempt"`
	TemplateID     string `json:"template_id,omitempty"`
}

type Message struct {
	Channel   models.Channel `json:"channel"`
	Recipient string         `json:"recipient"`
	Content   string         `json:"content"`
	Subject   string         `json:"subject,omitempty"`
	Metadata  Metadata       `json:"metadata"`
}

// Result is the outcome of one send. Failures are reported in Err rather than returned, so
// delivery can fall through to the next channel.
type Result struct {
	Success   bool
	Channel   models.Channel
	MessageID string
	Err       error
	// Duplicate marks a send skipped because its idempotency key already succeeded.
	Duplicate bool
}

func Failed(channel models.Channel, err error) Result {
	return Result{Channel: channel, Err: err}
}

type Sender interface {
	Send(ctx context.Context, msg Message) Result
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) Result

func (f SenderFunc) Send(ctx context.Context, msg Message) Result { return f(ctx, msg) }

// Delivery is the outcome of an ordered multi-channel send.
type Delivery struct {
	Result
	Attempts []Result
}

// Deliver tries messages in order and stops at the first success. When every channel fails,
// the last failure is reported.
func Deliver(ctx context.Context, sender Sender, messages []Message) Delivery {
	var delivery Delivery

	if len(messages) == 0 {
		delivery.Err = fmt.Errorf("%w: no channels to deliver on", ErrNoChannel)

		return delivery
	}

	for _, msg := range messages {
		if err := ctx.Err(); err != nil {
			delivery.Result = Failed(msg.Channel, err)
			delivery.Attempts = append(delivery.Attempts, delivery.Result)

			return delivery
		}

		result := sender.Send(ctx, msg)
		result.Channel = msg.Channel

		if !result.Success && result.Err == nil {
			result.Err = fmt.Errorf("api: %s send failed without an error", msg.Channel)
		}

		delivery.Attempts = append(delivery.Attempts, result)
		delivery.Result = result

		if result.Success {
			return delivery
		}
	}

	return delivery
}

// Router dispatches each message to the sender registered for its channel.
type Router map[models.Channel]Sender

func (r Router) Send(ctx context.Context, msg Message) Result {
	sender, ok := r[msg.Channel]
	if !ok {
		return Failed(msg.Channel, fmt.Errorf("%w %q", ErrNoChannel, msg.Channel))
	}

	return sender.Send(ctx, msg)
}
