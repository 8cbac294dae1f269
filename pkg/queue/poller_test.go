package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/careflow/pkg/config"
	"github.com/dukex/careflow/pkg/errclass"
	"github.com/dukex/careflow/pkg/log"
	"github.com/dukex/careflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type processorFunc func(ctx context.Context, job *models.QueueJob) error

func (f processorFunc) ProcessJob(ctx context.Context, job *models.QueueJob) error {
	return f(ctx, job)
}

var noJitter = errclass.Policy{
	BaseDelay: time.Second,
	MaxDelay:  time.Minute,
	Jitter:    func(time.Duration) time.Duration { return 0 },
}

func pollerConfig(workers int) config.Poller {
	cfg := config.DefaultPoller()
	cfg.Workers = workers

	return cfg
}

func enqueueN(t *testing.T, svc *Service, n int) []*models.QueueJob {
	t.Helper()

	jobs := make([]*models.QueueJob, 0, n)

	for range n {
		job := &models.QueueJob{ExecutionID: "exec-1", ResumeNodeID: "a"}
		require.NoError(t, svc.Enqueue(context.Background(), job))
		jobs = append(jobs, job)
	}

	return jobs
}

func TestPoller_RunOnceProcessesDueJobs(t *testing.T) {
	svc, _, _ := newTestService(t)
	jobs := enqueueN(t, svc, 5)

	var processed sync.Map

	poller, err := NewPoller(svc, processorFunc(func(_ context.Context, job *models.QueueJob) error {
		assert.Equal(t, models.JobStatusClaimed, job.Status)
		processed.Store(job.ID, true)

		return nil
	}), pollerConfig(2), log.Discard())
	require.NoError(t, err)

	result, err := poller.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickResult{Claimed: 5, Succeeded: 5}, result)

	for _, job := range jobs {
		_, ok := processed.Load(job.ID)
		assert.True(t, ok)

		stored, _ := svc.Job(context.Background(), job.ID)
		assert.Equal(t, models.JobStatusDone, stored.Status)
	}

	result, err = poller.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Claimed)
}

func TestPoller_BoundsConcurrency(t *testing.T) {
	svc, _, _ := newTestService(t)
	enqueueN(t, svc, 12)

	var inFlight, peak atomic.Int32

	poller, err := NewPoller(svc, processorFunc(func(context.Context, *models.QueueJob) error {
		current := inFlight.Add(1)
		defer inFlight.Add(-1)

		for {
			observed := peak.Load()
			if current <= observed || peak.CompareAndSwap(observed, current) {
				break
			}
		}

		time.Sleep(5 * time.Millisecond)

		return nil
	}), pollerConfig(3), log.Discard())
	require.NoError(t, err)

	result, err := poller.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, result.Succeeded)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestPoller_RetryableErrorRequeuesWithBackoff(t *testing.T) {
	svc, clk, _ := newTestService(t)
	jobs := enqueueN(t, svc, 1)

	poller, err := NewPoller(svc, processorFunc(func(context.Context, *models.QueueJob) error {
		return errors.New("connection refused")
	}), pollerConfig(1), log.Discard(), WithRetryPolicy(noJitter))
	require.NoError(t, err)

	result, err := poller.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Requeued)

	stored, _ := svc.Job(context.Background(), jobs[0].ID)
	assert.Equal(t, models.JobStatusQueued, stored.Status)
	assert.Equal(t, clk.Now().Add(time.Second), stored.ScheduledFor)
	assert.Contains(t, stored.LastError, "[NETWORK]")
}

func TestPoller_PermanentErrorFailsJob(t *testing.T) {
	svc, _, _ := newTestService(t)
	jobs := enqueueN(t, svc, 1)

	poller, err := NewPoller(svc, processorFunc(func(context.Context, *models.QueueJob) error {
		return errors.New("permission denied")
	}), pollerConfig(1), log.Discard())
	require.NoError(t, err)

	result, err := poller.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	stored, _ := svc.Job(context.Background(), jobs[0].ID)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
}

func TestPoller_PanicIsContainedToOneJob(t *testing.T) {
	svc, _, _ := newTestService(t)
	jobs := enqueueN(t, svc, 3)
	bad := jobs[1].ID

	poller, err := NewPoller(svc, processorFunc(func(_ context.Context, job *models.QueueJob) error {
		if job.ID == bad {
			panic("boom")
		}

		return nil
	}), pollerConfig(2), log.Discard())
	require.NoError(t, err)

	result, err := poller.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)

	stored, _ := svc.Job(context.Background(), bad)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "boom")
}

func TestPoller_CancelledContextHandsJobsBack(t *testing.T) {
	svc, _, _ := newTestService(t)
	jobs := enqueueN(t, svc, 2)

	ctx, cancel := context.WithCancel(context.Background())

	poller, err := NewPoller(svc, processorFunc(func(context.Context, *models.QueueJob) error {
		cancel()

		return context.Canceled
	}), pollerConfig(1), log.Discard())
	require.NoError(t, err)

	result, err := poller.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Requeued)

	for _, job := range jobs {
		stored, _ := svc.Job(context.Background(), job.ID)
		assert.Equal(t, models.JobStatusQueued, stored.Status)
	}
}

func TestPoller_TickHookReceivesWindow(t *testing.T) {
	svc, clk, _ := newTestService(t)

	var windows [][2]time.Time

	poller, err := NewPoller(svc, processorFunc(func(context.Context, *models.QueueJob) error { return nil }),
		pollerConfig(1), log.Discard(),
		WithTickHook(func(_ context.Context, from, to time.Time) error {
			windows = append(windows, [2]time.Time{from, to})

			return nil
		}))
	require.NoError(t, err)

	_, err = poller.RunOnce(context.Background())
	require.NoError(t, err)

	clk.Add(time.Minute)

	_, err = poller.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, windows, 2)
	assert.Equal(t, start.Add(-time.Minute), windows[0][0])
	assert.Equal(t, start, windows[1][0])
	assert.Equal(t, start.Add(time.Minute), windows[1][1])
}

func TestNewPoller_InvalidSchedule(t *testing.T) {
	svc, _, _ := newTestService(t)

	cfg := pollerConfig(1)
	cfg.Schedule = "whenever"

	_, err := NewPoller(svc, processorFunc(func(context.Context, *models.QueueJob) error { return nil }), cfg, log.Discard())
	assert.Error(t, err)
}

func TestPoller_StartStop(t *testing.T) {
	svc, _, _ := newTestService(t)

	poller, err := NewPoller(svc, processorFunc(func(context.Context, *models.QueueJob) error { return nil }), pollerConfig(1), log.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, poller.Start(ctx))
	require.NoError(t, poller.Start(ctx))
	require.NoError(t, poller.Stop(ctx))
	require.NoError(t, poller.Stop(ctx))
}

type failingProcessor struct {
	mu     sync.Mutex
	err    error
	failed map[string]string
}

func (p *failingProcessor) ProcessJob(context.Context, *models.QueueJob) error {
	return p.err
}

func (p *failingProcessor) FailJob(_ context.Context, job *models.QueueJob, cause string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failed[job.ID] = cause

	return nil
}

func TestPoller_ReportsTerminalFailures(t *testing.T) {
	svc, _, _ := newTestService(t)
	jobs := enqueueN(t, svc, 1)

	processor := &failingProcessor{err: errors.New("permission denied"), failed: make(map[string]string)}

	poller, err := NewPoller(svc, processor, pollerConfig(1), log.Discard())
	require.NoError(t, err)

	_, err = poller.RunOnce(context.Background())
	require.NoError(t, err)

	require.Contains(t, processor.failed, jobs[0].ID)
	assert.Contains(t, processor.failed[jobs[0].ID], "[PERMISSION]")
}

func TestPoller_RetryableFailureIsNotReported(t *testing.T) {
	svc, _, _ := newTestService(t)
	enqueueN(t, svc, 1)

	processor := &failingProcessor{err: errors.New("connection refused"), failed: make(map[string]string)}

	poller, err := NewPoller(svc, processor, pollerConfig(1), log.Discard(), WithRetryPolicy(noJitter))
	require.NoError(t, err)

	result, err := poller.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Requeued)
	assert.Empty(t, processor.failed)
}

func TestPoller_ReportsExhaustedSweep(t *testing.T) {
	svc, clk, _ := newTestService(t, WithLease(time.Minute))

	job := &models.QueueJob{ExecutionID: "exec-1", ResumeNodeID: "a", MaxDeliveries: 1}
	require.NoError(t, svc.Enqueue(context.Background(), job))

	_, err := svc.PollDueJobs(context.Background(), 10)
	require.NoError(t, err)

	clk.Add(2 * time.Minute)

	processor := &failingProcessor{failed: make(map[string]string)}

	poller, err := NewPoller(svc, processor, pollerConfig(1), log.Discard())
	require.NoError(t, err)

	result, err := poller.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Swept)
	assert.Zero(t, result.Claimed)
	assert.Equal(t, "lease expired after final delivery", processor.failed[job.ID])
}
