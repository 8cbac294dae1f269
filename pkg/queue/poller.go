package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/careflow/pkg/config"
	"github.com/dukex/careflow/pkg/errclass"
	"github.com/dukex/careflow/pkg/models"
	"github.com/dukex/careflow/pkg/otelhelper"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Processor runs one claimed job. A returned error is an infrastructure failure; the job is
// requeued with backoff while retryable.
type Processor interface {
	ProcessJob(ctx context.Context, job *models.QueueJob) error
}

// FailureHandler is told about jobs that failed for good, so the owner of the work they
// carried can stop waiting for them. A Processor that implements it is used automatically.
type FailureHandler interface {
	FailJob(ctx context.Context, job *models.QueueJob, cause string) error
}

// TickHook runs at the start of every tick, e.g. to fire schedule triggers for the window
// since the previous tick.
type TickHook func(ctx context.Context, from, to time.Time) error

// TickResult summarises one poll cycle.
type TickResult struct {
	Swept     int
	Claimed   int
	Succeeded int
	Requeued  int
	Failed    int
}

// Poller drives the queue on a cron cadence: sweep, claim a batch, run it on a bounded
// worker pool, release each job.
type Poller struct {
	service   *Service
	processor Processor
	config    config.Poller
	retry     errclass.Policy
	tracer    trace.Tracer
	logger    *slog.Logger
	hooks     []TickHook
	failures  FailureHandler

	mu       sync.Mutex
	cron     *cron.Cron
	lastTick time.Time
}

type PollerOption func(*Poller)

func WithRetryPolicy(policy errclass.Policy) PollerOption {
	return func(p *Poller) { p.retry = policy }
}

func WithTracer(tracer trace.Tracer) PollerOption {
	return func(p *Poller) { p.tracer = tracer }
}

func WithTickHook(hook TickHook) PollerOption {
	return func(p *Poller) { p.hooks = append(p.hooks, hook) }
}

func WithFailureHandler(handler FailureHandler) PollerOption {
	return func(p *Poller) { p.failures = handler }
}

func NewPoller(service *Service, processor Processor, cfg config.Poller, logger *slog.Logger, opts ...PollerOption) (*Poller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid poller schedule %q: %w", cfg.Schedule, err)
	}

	p := &Poller{
		service:   service,
		processor: processor,
		config:    cfg,
		retry:     errclass.DefaultPolicy,
		tracer:    otelhelper.NoopTracer(),
		logger:    logger.With("module", "poller", "worker_id", service.Owner()),
	}

	if handler, ok := processor.(FailureHandler); ok {
		p.failures = handler
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// Start schedules ticks on the configured cadence until Stop or ctx is done.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cron != nil {
		return nil
	}

	p.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	_, err := p.cron.AddFunc(p.config.Schedule, func() {
		if _, err := p.RunOnce(ctx); err != nil {
			p.logger.ErrorContext(ctx, "Poll tick failed", "error", err)
		}
	})
	if err != nil {
		p.cron = nil

		return fmt.Errorf("failed to schedule poller: %w", err)
	}

	p.cron.Start()
	p.logger.InfoContext(ctx, "Poller started",
		"schedule", p.config.Schedule,
		"workers", p.config.Workers,
		"batch_size", p.config.BatchSize)

	return nil
}

// Stop stops scheduling and waits for a running tick, bounded by ctx.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()

	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		p.logger.InfoContext(ctx, "Poller stopped")

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs a single tick. It is the entry point for serverless invocations.
func (p *Poller) RunOnce(ctx context.Context) (TickResult, error) {
	var result TickResult

	ctx, span := otelhelper.StartSpan(ctx, p.tracer, "queue.tick",
		attribute.String(otelhelper.WorkerIDKey, p.service.Owner()))
	defer span.End()

	p.runHooks(ctx)

	swept, err := p.service.SweepExpiredLeases(ctx)
	if err != nil {
		otelhelper.SetError(span, err)

		return result, fmt.Errorf("failed to sweep expired leases: %w", err)
	}

	result.Swept = len(swept)

	for _, job := range swept {
		if job.Status == models.JobStatusFailed {
			p.fail(ctx, p.logger.With("job_id", job.ID, "execution_id", job.ExecutionID), job, job.LastError)
		}
	}

	jobs, err := p.service.PollDueJobs(ctx, p.config.BatchSize)
	if err != nil {
		otelhelper.SetError(span, err)

		return result, fmt.Errorf("failed to poll due jobs: %w", err)
	}

	result.Claimed = len(jobs)
	if len(jobs) == 0 {
		return result, nil
	}

	p.logger.DebugContext(ctx, "Claimed due jobs", "count", len(jobs))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		pending = make(chan *models.QueueJob)
	)

	for range min(p.config.Workers, len(jobs)) {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for job := range pending {
				outcome := p.process(ctx, job)

				mu.Lock()
				switch outcome {
				case models.ReleaseDone:
					result.Succeeded++
				case models.ReleaseRequeue:
					result.Requeued++
				default:
					result.Failed++
				}
				mu.Unlock()
			}
		}()
	}

	for _, job := range jobs {
		pending <- job
	}

	close(pending)
	wg.Wait()

	span.SetAttributes(
		attribute.Int("careflow.tick.claimed", result.Claimed),
		attribute.Int("careflow.tick.failed", result.Failed))

	return result, nil
}

func (p *Poller) runHooks(ctx context.Context) {
	now := p.service.clock.Now()

	p.mu.Lock()
	from := p.lastTick
	p.lastTick = now
	p.mu.Unlock()

	if from.IsZero() {
		from = now.Add(-time.Minute)
	}

	for _, hook := range p.hooks {
		if err := hook(ctx, from, now); err != nil {
			p.logger.ErrorContext(ctx, "Tick hook failed", "error", err)
		}
	}
}

// process runs one job and releases it. A panic is contained to the job, which is failed.
func (p *Poller) process(ctx context.Context, job *models.QueueJob) (outcome models.ReleaseOutcome) {
	logger := p.logger.With("job_id", job.ID, "execution_id", job.ExecutionID, "resume_node_id", job.ResumeNodeID)

	ctx, span := otelhelper.StartSpan(ctx, p.tracer, "queue.process_job",
		attribute.String(otelhelper.JobIDKey, job.ID),
		attribute.String(otelhelper.ExecutionIDKey, job.ExecutionID),
		attribute.Int(otelhelper.JobAttemptKey, job.AttemptCount))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic while processing job: %v", r)
			logger.ErrorContext(ctx, "Job panicked", "panic", r)
			otelhelper.SetError(span, err)
			p.release(ctx, logger, job, models.Release{Outcome: models.ReleaseFailed, Error: err.Error()})

			outcome = models.ReleaseFailed
		}
	}()

	if ctx.Err() != nil {
		// Shutting down: hand the job back right away instead of waiting for the lease.
		return p.release(ctx, logger, job, models.Release{
			Outcome:      models.ReleaseRequeue,
			ScheduledFor: p.service.clock.Now(),
			Error:        "poller stopped before processing",
		})
	}

	err := p.processor.ProcessJob(ctx, job)
	if err == nil {
		return p.release(ctx, logger, job, models.Release{Outcome: models.ReleaseDone})
	}

	otelhelper.SetError(span, err, attribute.String(otelhelper.ErrorCategory, string(errclass.Classify(err))))

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return p.release(ctx, logger, job, models.Release{
			Outcome:      models.ReleaseRequeue,
			ScheduledFor: p.service.clock.Now(),
			Error:        err.Error(),
		})
	}

	strategy := p.retry.Strategy(err, job.Deliveries-1)
	if strategy.ShouldRetry {
		logger.WarnContext(ctx, "Job processing failed, requeueing",
			"error", err,
			"category", strategy.Category,
			"retry_in", strategy.Delay)

		return p.release(ctx, logger, job, models.Release{
			Outcome:      models.ReleaseRequeue,
			ScheduledFor: p.service.clock.Now().Add(strategy.Delay),
			Error:        errclass.Format(err, nil),
		})
	}

	logger.ErrorContext(ctx, "Job processing failed", "error", err, "category", strategy.Category)

	return p.release(ctx, logger, job, models.Release{Outcome: models.ReleaseFailed, Error: errclass.Format(err, nil)})
}

func (p *Poller) release(ctx context.Context, logger *slog.Logger, job *models.QueueJob, release models.Release) models.ReleaseOutcome {
	released, err := p.service.Release(context.WithoutCancel(ctx), job, release)
	if err != nil {
		logger.WarnContext(ctx, "Failed to release job", "outcome", release.Outcome, "error", err)

		return release.Outcome
	}

	switch released.Status {
	case models.JobStatusQueued:
		return models.ReleaseRequeue
	case models.JobStatusDone:
		return models.ReleaseDone
	default:
		p.fail(ctx, logger, released, released.LastError)

		return models.ReleaseFailed
	}
}

func (p *Poller) fail(ctx context.Context, logger *slog.Logger, job *models.QueueJob, cause string) {
	if p.failures == nil {
		return
	}

	if cause == "" {
		cause = "job failed"
	}

	if err := p.failures.FailJob(context.WithoutCancel(ctx), job, cause); err != nil {
		logger.ErrorContext(ctx, "Failed to record job failure", "error", err)
	}
}
