package messaging_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dukex/careflow/pkg/clock"
	"github.com/dukex/careflow/pkg/errclass"
	"github.com/dukex/careflow/pkg/log"
	"github.com/dukex/careflow/pkg/messaging"
	"github.com/dukex/careflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyProvider fails every send with err until healed.
type flakyProvider struct {
	calls int
	err   error
}

func (p *flakyProvider) Send(_ context.Context, msg messaging.Message) messaging.Result {
	p.calls++

	if p.err != nil {
		return messaging.Failed(msg.Channel, p.err)
	}

	return messaging.Result{Success: true, Channel: msg.Channel, MessageID: "msg"}
}

func newTestBreaker(next messaging.Sender) (*messaging.CircuitBreaker, *clock.Fake) {
	clk := clock.NewFake(time.Date(2025, 3, 7, 9, 0, 0, 0, time.UTC))
	cfg := messaging.BreakerConfig{FailureThreshold: 3, Cooldown: 30 * time.Second, HalfOpenMax: 1}

	return messaging.NewCircuitBreaker(next, cfg, clk, log.Discard()), clk
}

func TestCircuitBreaker_OpensAfterConsecutiveTransientFailures(t *testing.T) {
	provider := &flakyProvider{err: errors.New("dial tcp: connection refused")}
	breaker, _ := newTestBreaker(provider)
	ctx := context.Background()

	for range 3 {
		assert.False(t, breaker.Send(ctx, smsMessage("")).Success)
	}

	assert.Equal(t, messaging.CircuitOpen, breaker.State(models.ChannelSMS))

	result := breaker.Send(ctx, smsMessage(""))
	assert.False(t, result.Success)
	require.ErrorIs(t, result.Err, messaging.ErrCircuitOpen)
	assert.Equal(t, 3, provider.calls)

	strategy := errclass.DefaultPolicy.Strategy(result.Err, 0)
	assert.Equal(t, errclass.CategoryNetwork, strategy.Category)
	assert.True(t, strategy.ShouldRetry)
}

func TestCircuitBreaker_ChannelsAreIndependent(t *testing.T) {
	provider := &flakyProvider{err: errors.New("timeout: provider did not respond")}
	breaker, _ := newTestBreaker(provider)
	ctx := context.Background()

	for range 3 {
		breaker.Send(ctx, smsMessage(""))
	}

	email := smsMessage("")
	email.Channel = models.ChannelEmail

	provider.err = nil
	assert.True(t, breaker.Send(ctx, email).Success)
	assert.Equal(t, messaging.CircuitOpen, breaker.State(models.ChannelSMS))
	assert.Equal(t, messaging.CircuitClosed, breaker.State(models.ChannelEmail))
}

func TestCircuitBreaker_PermanentFailuresDoNotTrip(t *testing.T) {
	provider := &flakyProvider{err: errors.New("validation: recipient phone number malformed")}
	breaker, _ := newTestBreaker(provider)

	for range 5 {
		breaker.Send(context.Background(), smsMessage(""))
	}

	assert.Equal(t, messaging.CircuitClosed, breaker.State(models.ChannelSMS))
	assert.Equal(t, 5, provider.calls)
}

func TestCircuitBreaker_HalfOpenTrialClosesOrReopens(t *testing.T) {
	provider := &flakyProvider{err: errors.New("network: provider unreachable")}
	breaker, clk := newTestBreaker(provider)
	ctx := context.Background()

	for range 3 {
		breaker.Send(ctx, smsMessage(""))
	}

	clk.Add(31 * time.Second)
	assert.Equal(t, messaging.CircuitHalfOpen, breaker.State(models.ChannelSMS))

	// The trial fails and the circuit opens for another cooldown.
	assert.False(t, breaker.Send(ctx, smsMessage("")).Success)
	assert.Equal(t, 4, provider.calls)
	assert.Equal(t, messaging.CircuitOpen, breaker.State(models.ChannelSMS))
	assert.ErrorIs(t, breaker.Send(ctx, smsMessage("")).Err, messaging.ErrCircuitOpen)

	clk.Add(31 * time.Second)
	provider.err = nil

	assert.True(t, breaker.Send(ctx, smsMessage("")).Success)
	assert.Equal(t, messaging.CircuitClosed, breaker.State(models.ChannelSMS))
	assert.True(t, breaker.Send(ctx, smsMessage("")).Success)
	assert.Equal(t, 6, provider.calls)
}

func TestCircuitBreaker_PanickingProviderCountsAsFailure(t *testing.T) {
	panicking := messaging.SenderFunc(func(context.Context, messaging.Message) messaging.Result {
		panic("provider client crashed")
	})
	breaker, _ := newTestBreaker(panicking)

	for range 3 {
		assert.Panics(t, func() { breaker.Send(context.Background(), smsMessage("")) })
	}

	assert.Equal(t, messaging.CircuitOpen, breaker.State(models.ChannelSMS))
}
