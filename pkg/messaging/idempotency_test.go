package messaging_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/careflow/pkg/errclass"
	"github.com/dukex/careflow/pkg/log"
	"github.com/dukex/careflow/pkg/messaging"
	"github.com/dukex/careflow/pkg/mocks"
	"github.com/dukex/careflow/pkg/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func smsMessage(key string) messaging.Message {
	return messaging.Message{
		Channel:   models.ChannelSMS,
		Recipient: "010-0000-0000",
		Content:   "hello",
		Metadata:  messaging.Metadata{IdempotencyKey: key, ExecutionID: "exec-1", NodeID: "send"},
	}
}

func TestIdempotentSender_StoreUnavailableIsRetryable(t *testing.T) {
	store := &mocks.MockKeyStore{}
	store.On("SetNX", mock.Anything, "exec-1:send:0", mock.Anything, messaging.DefaultPendingTTL).
		Return(false, errors.New("dial tcp: connection refused"))

	next := &mocks.MockSender{}

	result := messaging.NewIdempotentSender(next, store, log.Discard()).Send(context.Background(), smsMessage("exec-1:send:0"))

	assert.False(t, result.Success)
	assert.Equal(t, errclass.CategoryNetwork, errclass.Classify(result.Err))
	next.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	store.AssertExpectations(t)
}

func TestIdempotentSender_RecordsSentKey(t *testing.T) {
	msg := smsMessage("exec-1:send:0")

	store := &mocks.MockKeyStore{}
	store.On("SetNX", mock.Anything, msg.Metadata.IdempotencyKey, mock.Anything, messaging.DefaultPendingTTL).Return(true, nil)
	store.On("Set", mock.Anything, msg.Metadata.IdempotencyKey, "sms|msg-1", messaging.DefaultSentTTL).Return(nil)

	next := &mocks.MockSender{}
	next.On("Send", mock.Anything, msg).Return(messaging.Result{Success: true, Channel: models.ChannelSMS, MessageID: "msg-1"})

	result := messaging.NewIdempotentSender(next, store, log.Discard()).Send(context.Background(), msg)

	assert.True(t, result.Success)
	assert.Equal(t, "msg-1", result.MessageID)
	store.AssertExpectations(t)
	next.AssertExpectations(t)
}

func TestIdempotentSender_RecordsSentKeyAfterCancellation(t *testing.T) {
	msg := smsMessage("exec-1:send:1")
	live := mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil })

	store := &mocks.MockKeyStore{}
	store.On("SetNX", mock.Anything, msg.Metadata.IdempotencyKey, mock.Anything, messaging.DefaultPendingTTL).Return(true, nil)
	store.On("Set", live, msg.Metadata.IdempotencyKey, "sms|msg-2", messaging.DefaultSentTTL).
		Return(errors.New("i/o timeout")).Once()
	store.On("Set", live, msg.Metadata.IdempotencyKey, "sms|msg-2", messaging.DefaultSentTTL).Return(nil).Once()

	ctx, cancel := context.WithCancel(context.Background())

	next := &mocks.MockSender{}
	next.On("Send", mock.Anything, msg).
		Run(func(mock.Arguments) { cancel() }).
		Return(messaging.Result{Success: true, Channel: models.ChannelSMS, MessageID: "msg-2"})

	result := messaging.NewIdempotentSender(next, store, log.Discard()).Send(ctx, msg)

	assert.True(t, result.Success)
	store.AssertNumberOfCalls(t, "Set", 2)
	store.AssertExpectations(t)
}

func TestIdempotentSender_UnrecordedSendLogsError(t *testing.T) {
	msg := smsMessage("exec-1:send:2")

	store := &mocks.MockKeyStore{}
	store.On("SetNX", mock.Anything, msg.Metadata.IdempotencyKey, mock.Anything, messaging.DefaultPendingTTL).Return(true, nil)
	store.On("Set", mock.Anything, msg.Metadata.IdempotencyKey, "sms|msg-3", messaging.DefaultSentTTL).
		Return(errors.New("connection reset by peer"))

	next := &mocks.MockSender{}
	next.On("Send", mock.Anything, msg).Return(messaging.Result{Success: true, Channel: models.ChannelSMS, MessageID: "msg-3"})

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	result := messaging.NewIdempotentSender(next, store, logger).Send(context.Background(), msg)

	assert.True(t, result.Success)
	store.AssertNumberOfCalls(t, "Set", 3)
	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "exec-1:send:2")
}

func TestIdempotentSender_WithoutKeyBypassesStore(t *testing.T) {
	msg := smsMessage("")

	store := &mocks.MockKeyStore{}
	next := &mocks.MockSender{}
	next.On("Send", mock.Anything, msg).Return(messaging.Result{Success: true, Channel: models.ChannelSMS})

	result := messaging.NewIdempotentSender(next, store, log.Discard()).Send(context.Background(), msg)

	assert.True(t, result.Success)
	store.AssertNotCalled(t, "SetNX", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRedisKeyStore(t *testing.T) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set")
	}

	opts, err := redis.ParseURL(redisURL)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	defer client.Close()

	ctx := context.Background()
	store := messaging.NewRedisKeyStore(client)
	key := "test:" + uuid.NewString()

	t.Cleanup(func() { _ = store.Delete(context.Background(), key) })

	_, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	reserved, err := store.SetNX(ctx, key, "pending", time.Minute)
	require.NoError(t, err)
	assert.True(t, reserved)

	reserved, err = store.SetNX(ctx, key, "pending", time.Minute)
	require.NoError(t, err)
	assert.False(t, reserved)

	require.NoError(t, store.Set(ctx, key, "sms|msg-1", time.Minute))

	value, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sms|msg-1", value)

	require.NoError(t, store.Delete(ctx, key))

	_, ok, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}
