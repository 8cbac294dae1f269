package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/dukex/careflow/pkg/log"
	"github.com/dukex/careflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEnqueuer struct {
	mu       sync.Mutex
	events   []Event
	failures int
}

func (r *recordingEnqueuer) EnqueueTrigger(_ context.Context, event Event) ([]*models.WorkflowExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)

	if r.failures > 0 {
		r.failures--

		return nil, errors.New("connection reset by peer")
	}

	return []*models.WorkflowExecution{{ID: "exec-1"}}, nil
}

func (r *recordingEnqueuer) received() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Event(nil), r.events...)
}

func startConsumer(t *testing.T, enqueuer Enqueuer) *gochannel.GoChannel {
	t.Helper()

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, NewConsumer(pubSub, enqueuer, log.Discard()).Start(ctx))

	return pubSub
}

func TestConsumer_DispatchesPublishedEvents(t *testing.T) {
	enqueuer := &recordingEnqueuer{}
	pubSub := startConsumer(t, enqueuer)

	err := Publish(context.Background(), pubSub, Message{
		EventType: models.TriggerKeywordReceived,
		Context:   models.ExecutionContext{Patient: models.Patient{ID: "patient-1"}},
		Content:   "I want to REBOOK",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(enqueuer.received()) == 1 }, time.Second, 10*time.Millisecond)

	event := enqueuer.received()[0]
	assert.Equal(t, models.TriggerKeywordReceived, event.Type)
	assert.Equal(t, "patient-1", event.Context.Patient.ID)
	assert.Equal(t, "I want to REBOOK", event.Content)
}

func TestConsumer_RedeliversWhenNothingStarted(t *testing.T) {
	enqueuer := &recordingEnqueuer{failures: 1}
	pubSub := startConsumer(t, enqueuer)

	require.NoError(t, Publish(context.Background(), pubSub, Message{EventType: models.TriggerManual}))

	require.Eventually(t, func() bool { return len(enqueuer.received()) == 2 }, time.Second, 10*time.Millisecond)
}

func TestConsumer_DropsMalformedPayload(t *testing.T) {
	enqueuer := &recordingEnqueuer{}
	pubSub := startConsumer(t, enqueuer)

	require.NoError(t, pubSub.Publish(Topic, message.NewMessage(watermill.NewULID(), []byte("{"))))
	require.NoError(t, Publish(context.Background(), pubSub, Message{EventType: models.TriggerManual}))

	require.Eventually(t, func() bool { return len(enqueuer.received()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, models.TriggerManual, enqueuer.received()[0].Type)
}

type capturingEnqueuer struct {
	next Enqueuer

	mu         sync.Mutex
	executions []*models.WorkflowExecution
}

func (c *capturingEnqueuer) EnqueueTrigger(ctx context.Context, event Event) ([]*models.WorkflowExecution, error) {
	executions, err := c.next.EnqueueTrigger(ctx, event)

	c.mu.Lock()
	c.executions = append(c.executions, executions...)
	c.mu.Unlock()

	return executions, err
}

func (c *capturingEnqueuer) started() []*models.WorkflowExecution {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]*models.WorkflowExecution(nil), c.executions...)
}

func TestConsumer_EndToEndWithDispatcher(t *testing.T) {
	dispatcher, store := newDispatcher(t, keywordDefinition("wf-kw", models.MatchContains, "rebook"))
	enqueuer := &capturingEnqueuer{next: dispatcher}
	pubSub := startConsumer(t, enqueuer)

	require.NoError(t, Publish(context.Background(), pubSub, Message{
		EventType: models.TriggerKeywordReceived,
		Context:   models.ExecutionContext{Patient: models.Patient{ID: "patient-1", Phone: "010-1234-5678"}},
		Content:   "rebook please",
	}))

	require.Eventually(t, func() bool { return len(enqueuer.started()) == 1 }, time.Second, 10*time.Millisecond)

	stored, err := store.ExecutionRepository().ByID(context.Background(), enqueuer.started()[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "wf-kw", stored.WorkflowID)
	assert.Equal(t, "rebook please", stored.Context.Custom["message_content"])
}
