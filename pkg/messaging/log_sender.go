package messaging

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// LogSender only logs messages. It is the development sender.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger.With("module", "log_sender")}
}

func (s *LogSender) Send(ctx context.Context, msg Message) Result {
	id := uuid.NewString()

	s.logger.InfoContext(ctx, "Sending message",
		"message_id", id,
		"channel", msg.Channel,
		"recipient", msg.Recipient,
		"idempotency_key", msg.Metadata.IdempotencyKey,
		"content", msg.Content)

	return Result{Success: true, Channel: msg.Channel, MessageID: id}
}
