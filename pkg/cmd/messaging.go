package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/careflow/pkg/clock"
	"github.com/dukex/careflow/pkg/config"
	"github.com/dukex/careflow/pkg/messaging"
	"github.com/redis/go-redis/v9"
)

var ErrUnsupportedSender = errors.New("unsupported sender")

// NewRedisClient parses redisURL and checks the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

// NewKeyStore stores idempotency keys in redis when client is set, in memory otherwise.
func NewKeyStore(client redis.UniversalClient, clk clock.Clock, logger *slog.Logger) messaging.KeyStore {
	if client == nil {
		logger.Warn("No redis configured, idempotency keys are kept in memory of this process")

		return messaging.NewMemoryKeyStore(clk)
	}

	return messaging.NewRedisKeyStore(client)
}

// NewSender builds the outbound sender: "log" only logs, "publish" hands messages to the
// provider gateway. Either one sits behind a per-channel circuit breaker and idempotency keys.
func NewSender(
	kind string,
	publisher message.Publisher,
	store messaging.KeyStore,
	breaker config.Breaker,
	clk clock.Clock,
	logger *slog.Logger,
) (messaging.Sender, error) {
	var next messaging.Sender

	switch kind {
	case "", "log":
		next = messaging.NewLogSender(logger)
	case "publish":
		next = messaging.NewPublishingSender(publisher, messaging.OutboundTopic)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedSender, kind)
	}

	guarded := messaging.NewCircuitBreaker(next, messaging.BreakerConfig{
		FailureThreshold: breaker.FailureThreshold,
		Cooldown:         breaker.Cooldown,
		HalfOpenMax:      breaker.HalfOpenMax,
	}, clk, logger)

	return messaging.NewIdempotentSender(guarded, store, logger), nil
}
