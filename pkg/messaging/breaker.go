package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/careflow/pkg/clock"
	"github.com/dukex/careflow/pkg/errclass"
	"github.com/dukex/careflow/pkg/models"
)

// ErrCircuitOpen rejects a send without calling the provider. The message classifies as a
// network failure so the engine retries it with backoff.
var ErrCircuitOpen = errors.New("network: circuit open")

// CircuitState is the state of one channel's breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures CircuitBreaker. Non-positive fields take the defaults.
type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
	HalfOpenMax      int
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuit struct {
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	halfOpenAttempts    int
}

// CircuitBreaker stops calling a channel's provider after repeated transient failures and
// lets a trial send through once the cooldown has passed. Failures that are the message's
// fault, such as validation or permission errors, never trip it.
type CircuitBreaker struct {
	next     Sender
	config   BreakerConfig
	clock    clock.Clock
	logger   *slog.Logger
	mu       sync.Mutex
	circuits map[models.Channel]*circuit
}

func NewCircuitBreaker(next Sender, config BreakerConfig, clk clock.Clock, logger *slog.Logger) *CircuitBreaker {
	defaults := DefaultBreakerConfig()

	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}

	if config.Cooldown <= 0 {
		config.Cooldown = defaults.Cooldown
	}

	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = defaults.HalfOpenMax
	}

	return &CircuitBreaker{
		next:     next,
		config:   config,
		clock:    clk,
		logger:   logger.With("module", "circuit_breaker"),
		circuits: make(map[models.Channel]*circuit),
	}
}

func (b *CircuitBreaker) Send(ctx context.Context, msg Message) Result {
	if err := b.allow(msg.Channel); err != nil {
		return Failed(msg.Channel, err)
	}

	completed := false

	defer func() {
		if !completed {
			b.record(ctx, msg.Channel, false)
		}
	}()

	result := b.next.Send(ctx, msg)
	completed = true

	b.record(ctx, msg.Channel, result.Success || !trips(result.Err))

	return result
}

// State reports the current state of channel's circuit.
func (b *CircuitBreaker) State(channel models.Channel) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(channel)
	if c.state == CircuitOpen && b.clock.Now().Sub(c.openedAt) >= b.config.Cooldown {
		return CircuitHalfOpen
	}

	return c.state
}

func (b *CircuitBreaker) allow(channel models.Channel) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(channel)

	switch c.state {
	case CircuitOpen:
		remaining := b.config.Cooldown - b.clock.Now().Sub(c.openedAt)
		if remaining > 0 {
			return fmt.Errorf("%w for %s after %d consecutive failures, retry in %s",
				ErrCircuitOpen, channel, c.consecutiveFailures, remaining.Round(time.Second))
		}

		c.state = CircuitHalfOpen
		c.halfOpenAttempts = 1
	case CircuitHalfOpen:
		if c.halfOpenAttempts >= b.config.HalfOpenMax {
			return fmt.Errorf("%w for %s, trial send in flight", ErrCircuitOpen, channel)
		}

		c.halfOpenAttempts++
	case CircuitClosed:
	}

	return nil
}

func (b *CircuitBreaker) record(ctx context.Context, channel models.Channel, healthy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(channel)

	if healthy {
		if c.state != CircuitClosed {
			b.logger.InfoContext(ctx, "Circuit closed", "channel", channel)
		}

		c.state = CircuitClosed
		c.consecutiveFailures = 0
		c.halfOpenAttempts = 0

		return
	}

	c.consecutiveFailures++

	if c.state == CircuitHalfOpen || c.consecutiveFailures >= b.config.FailureThreshold {
		if c.state != CircuitOpen {
			b.logger.WarnContext(ctx, "Circuit opened", "channel", channel,
				"consecutive_failures", c.consecutiveFailures, "cooldown", b.config.Cooldown)
		}

		c.state = CircuitOpen
		c.openedAt = b.clock.Now()
	}
}

func (b *CircuitBreaker) circuit(channel models.Channel) *circuit {
	c, ok := b.circuits[channel]
	if !ok {
		c = &circuit{}
		b.circuits[channel] = c
	}

	return c
}

// trips reports whether a failure says something about the provider's health.
func trips(err error) bool {
	return err == nil || errclass.IsRetryable(errclass.Classify(err))
}
