package messaging

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/dukex/careflow/pkg/clock"
	"github.com/dukex/careflow/pkg/errclass"
	"github.com/dukex/careflow/pkg/log"
	"github.com/dukex/careflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage(channel models.Channel, key string) Message {
	return Message{
		Channel:   channel,
		Recipient: "010-0000-0000",
		Content:   "hello",
		Metadata:  Metadata{IdempotencyKey: key, ExecutionID: "exec-1", NodeID: "send", Attempt: 0},
	}
}

func TestDeliver_FirstSuccessWins(t *testing.T) {
	var calls []models.Channel

	sender := SenderFunc(func(_ context.Context, msg Message) Result {
		calls = append(calls, msg.Channel)
		if msg.Channel == models.ChannelKakao {
			return Failed(msg.Channel, errors.New("api: kakao rejected template"))
		}

		return Result{Success: true, MessageID: "m-1"}
	})

	delivery := Deliver(context.Background(), sender, []Message{
		testMessage(models.ChannelKakao, "k"),
		testMessage(models.ChannelSMS, "k"),
		testMessage(models.ChannelEmail, "k"),
	})

	require.True(t, delivery.Success)
	assert.Equal(t, models.ChannelSMS, delivery.Channel)
	assert.Equal(t, "m-1", delivery.MessageID)
	assert.Equal(t, []models.Channel{models.ChannelKakao, models.ChannelSMS}, calls)
	assert.Len(t, delivery.Attempts, 2)
}

func TestDeliver_AllFailReportsLast(t *testing.T) {
	sender := SenderFunc(func(_ context.Context, msg Message) Result {
		return Failed(msg.Channel, errors.New("network: "+string(msg.Channel)+" down"))
	})

	delivery := Deliver(context.Background(), sender, []Message{
		testMessage(models.ChannelKakao, "k"),
		testMessage(models.ChannelSMS, "k"),
	})

	require.False(t, delivery.Success)
	assert.Equal(t, models.ChannelSMS, delivery.Channel)
	assert.EqualError(t, delivery.Err, "network: sms down")
}

func TestDeliver_NoMessages(t *testing.T) {
	delivery := Deliver(context.Background(), NewLogSender(log.Discard()), nil)

	assert.False(t, delivery.Success)
	assert.ErrorIs(t, delivery.Err, ErrNoChannel)
}

func TestRouter_UnknownChannel(t *testing.T) {
	router := Router{models.ChannelSMS: NewLogSender(log.Discard())}

	result := router.Send(context.Background(), testMessage(models.ChannelEmail, ""))

	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Err, ErrNoChannel)
	assert.Equal(t, errclass.CategoryValidation, errclass.Classify(result.Err))

	result = router.Send(context.Background(), testMessage(models.ChannelSMS, ""))
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.MessageID)
}

func TestIdempotencyKey(t *testing.T) {
	assert.Equal(t, "exec-1:send:2", IdempotencyKey("exec-1", "send", 2))
}

func TestIdempotentSender_SendsOncePerKey(t *testing.T) {
	var sends atomic.Int32

	next := SenderFunc(func(_ context.Context, msg Message) Result {
		sends.Add(1)

		return Result{Success: true, Channel: msg.Channel, MessageID: "provider-1"}
	})

	store := NewMemoryKeyStore(clock.NewFake(time.Now()))
	sender := NewIdempotentSender(next, store, log.Discard())

	first := sender.Send(context.Background(), testMessage(models.ChannelSMS, "exec-1:send:0"))
	second := sender.Send(context.Background(), testMessage(models.ChannelSMS, "exec-1:send:0"))

	require.True(t, first.Success)
	assert.False(t, first.Duplicate)
	require.True(t, second.Success)
	assert.True(t, second.Duplicate)
	assert.Equal(t, "provider-1", second.MessageID)
	assert.Equal(t, models.ChannelSMS, second.Channel)
	assert.Equal(t, int32(1), sends.Load())

	third := sender.Send(context.Background(), testMessage(models.ChannelSMS, "exec-1:send:1"))
	require.True(t, third.Success)
	assert.Equal(t, int32(2), sends.Load())
}

func TestIdempotentSender_FailureReleasesKey(t *testing.T) {
	var sends atomic.Int32

	next := SenderFunc(func(_ context.Context, msg Message) Result {
		if sends.Add(1) == 1 {
			return Failed(msg.Channel, errors.New("network: connection refused"))
		}

		return Result{Success: true, Channel: msg.Channel, MessageID: "provider-2"}
	})

	sender := NewIdempotentSender(next, NewMemoryKeyStore(clock.NewFake(time.Now())), log.Discard())

	first := sender.Send(context.Background(), testMessage(models.ChannelSMS, "k"))
	assert.False(t, first.Success)

	second := sender.Send(context.Background(), testMessage(models.ChannelSMS, "k"))
	assert.True(t, second.Success)
	assert.False(t, second.Duplicate)
	assert.Equal(t, int32(2), sends.Load())
}

func TestIdempotentSender_InFlightIsRetryable(t *testing.T) {
	store := NewMemoryKeyStore(clock.NewFake(time.Now()))

	ok, err := store.SetNX(context.Background(), "k", pendingMarker, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	sender := NewIdempotentSender(SenderFunc(func(context.Context, Message) Result {
		t.Fatal("provider must not be called while the key is reserved")

		return Result{}
	}), store, log.Discard())

	result := sender.Send(context.Background(), testMessage(models.ChannelSMS, "k"))

	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Err, ErrSendInFlight)
	assert.True(t, errclass.IsRetryable(errclass.Classify(result.Err)))
}

func TestMemoryKeyStore_Expiry(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC))
	store := NewMemoryKeyStore(clk)
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "k", "v", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetNX(ctx, "k", "v", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	clk.Add(time.Minute)

	_, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	ok, err = store.SetNX(ctx, "k", "v2", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Delete(ctx, "k"))
	_, found, _ = store.Get(ctx, "k")
	assert.False(t, found)
}

func TestPublishingSender_PublishesOutbound(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()

	messages, err := pubSub.Subscribe(context.Background(), OutboundTopic)
	require.NoError(t, err)

	sender := NewPublishingSender(pubSub, "")
	result := sender.Send(context.Background(), testMessage(models.ChannelKakao, "exec-1:send:0"))

	require.True(t, result.Success)
	assert.NotEmpty(t, result.MessageID)

	select {
	case received := <-messages:
		assert.Equal(t, result.MessageID, received.UUID)
		assert.Equal(t, "exec-1:send:0", received.Metadata.Get(IdempotencyKeyMetadata))
		assert.Equal(t, "kakao", received.Metadata.Get(ChannelMetadata))
		assert.Contains(t, string(received.Payload), `"recipient":"010-0000-0000"`)
		received.Ack()
	case <-time.After(time.Second):
		t.Fatal("outbound message not published")
	}
}
