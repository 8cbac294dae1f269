// Package queue owns the persisted job queue: scheduling continuations, leasing them to
// workers and returning abandoned leases.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/careflow/pkg/clock"
	"github.com/dukex/careflow/pkg/delay"
	"github.com/dukex/careflow/pkg/models"
	"github.com/dukex/careflow/pkg/persistence"
	"github.com/google/uuid"
)

const (
	DefaultLease         = 5 * time.Minute
	DefaultMaxDeliveries = 5
	DefaultRetention     = 24 * time.Hour
)

// ErrBeyondHorizon rejects jobs scheduled further out than the maximum delay.
var ErrBeyondHorizon = errors.New("job scheduled beyond the maximum delay")

// Service wraps a JobRepository with lease bookkeeping for one worker identity.
type Service struct {
	jobs   persistence.JobRepository
	clock  clock.Clock
	logger *slog.Logger
	owner  string
	lease  time.Duration
}

type Option func(*Service)

// WithOwner sets the lock owner recorded on claims. Defaults to a random id.
func WithOwner(owner string) Option {
	return func(s *Service) { s.owner = owner }
}

// WithLease overrides DefaultLease. Non-positive values are ignored.
func WithLease(lease time.Duration) Option {
	return func(s *Service) {
		if lease > 0 {
			s.lease = lease
		}
	}
}

func NewService(jobs persistence.JobRepository, clk clock.Clock, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		jobs:   jobs,
		clock:  clk,
		logger: logger.With("module", "queue"),
		owner:  "worker-" + uuid.NewString(),
		lease:  DefaultLease,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Owner is the lock owner this service claims jobs as.
func (s *Service) Owner() string {
	return s.owner
}

// Enqueue persists a new queued job, filling in id, timestamps and delivery budget.
// Enqueueing an id that already exists is a no-op.
func (s *Service) Enqueue(ctx context.Context, job *models.QueueJob) error {
	now := s.clock.Now()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	if job.ScheduledFor.IsZero() {
		job.ScheduledFor = now
	}

	if job.ScheduledFor.Sub(now) > delay.MaxDelay {
		return fmt.Errorf("%w: job %s at %s", ErrBeyondHorizon, job.ID, job.ScheduledFor.Format(time.RFC3339))
	}

	if job.MaxDeliveries <= 0 {
		job.MaxDeliveries = DefaultMaxDeliveries
	}

	job.Status = models.JobStatusQueued
	job.Deliveries = 0
	job.LockOwner = ""
	job.LockExpiresAt = nil
	job.CreatedAt = now

	if err := s.jobs.Create(ctx, job); err != nil {
		if persistence.IsJobAlreadyExists(err) {
			s.logger.DebugContext(ctx, "Job already enqueued", "job_id", job.ID, "execution_id", job.ExecutionID)

			return nil
		}

		return err
	}

	s.logger.DebugContext(ctx, "Job enqueued",
		"job_id", job.ID,
		"execution_id", job.ExecutionID,
		"resume_node_id", job.ResumeNodeID,
		"scheduled_for", job.ScheduledFor,
		"tags", job.Tags)

	return nil
}

// PollDueJobs claims up to limit jobs whose scheduled time has passed.
func (s *Service) PollDueJobs(ctx context.Context, limit int) ([]*models.QueueJob, error) {
	return s.jobs.ClaimDue(ctx, s.owner, s.clock.Now(), s.lease, limit)
}

// Claim claims a single job by id. The bool is false when the job is not claimable.
func (s *Service) Claim(ctx context.Context, id string) (*models.QueueJob, bool, error) {
	return s.jobs.Claim(ctx, id, s.owner, s.clock.Now(), s.lease)
}

// Release ends this service's claim on job. A requeue of a job with no deliveries left
// is turned into a failure.
func (s *Service) Release(ctx context.Context, job *models.QueueJob, release models.Release) (*models.QueueJob, error) {
	if release.Outcome == models.ReleaseRequeue && job.MaxDeliveries > 0 && job.Deliveries >= job.MaxDeliveries {
		s.logger.WarnContext(ctx, "Job exhausted its deliveries, failing instead of requeueing",
			"job_id", job.ID,
			"deliveries", job.Deliveries,
			"max_deliveries", job.MaxDeliveries)

		release.Outcome = models.ReleaseFailed
		release.ScheduledFor = time.Time{}
	}

	return s.jobs.Release(ctx, job.ID, s.owner, release, s.clock.Now())
}

// SweepExpiredLeases returns jobs held by crashed workers to the queue. Jobs whose last
// delivery expired come back failed.
func (s *Service) SweepExpiredLeases(ctx context.Context) ([]*models.QueueJob, error) {
	swept, err := s.jobs.SweepExpired(ctx, s.clock.Now())
	if err != nil {
		return nil, err
	}

	for _, job := range swept {
		s.logger.WarnContext(ctx, "Reclaimed job with expired lease",
			"job_id", job.ID,
			"execution_id", job.ExecutionID,
			"status", job.Status,
			"deliveries", job.Deliveries)
	}

	return swept, nil
}

func (s *Service) Cancel(ctx context.Context, id string) error {
	return s.jobs.Cancel(ctx, id, s.clock.Now())
}

// CancelExecution cancels every pending job of an execution.
func (s *Service) CancelExecution(ctx context.Context, executionID string) (int, error) {
	return s.jobs.CancelByExecution(ctx, executionID, s.clock.Now())
}

// Cleanup deletes finished jobs older than maxAge (DefaultRetention when zero).
func (s *Service) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultRetention
	}

	deleted, err := s.jobs.DeleteFinished(ctx, s.clock.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}

	if deleted > 0 {
		s.logger.InfoContext(ctx, "Cleaned up finished jobs", "deleted", deleted, "max_age", maxAge)
	}

	return deleted, nil
}

func (s *Service) Stats(ctx context.Context) (models.QueueStats, error) {
	return s.jobs.Stats(ctx, s.clock.Now())
}

// Job reads a job without claiming it.
func (s *Service) Job(ctx context.Context, id string) (*models.QueueJob, error) {
	return s.jobs.ByID(ctx, id)
}
