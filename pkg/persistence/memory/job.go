package memory

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/dukex/careflow/pkg/models"
	"github.com/dukex/careflow/pkg/persistence"
)

type JobRepository struct {
	store *Persistence
}

func (r *JobRepository) Create(_ context.Context, job *models.QueueJob) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, exists := r.store.jobs[job.ID]; exists {
		return persistence.NewJobError("Create", job.ID, persistence.ErrJobAlreadyExists)
	}

	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	job.UpdatedAt = job.CreatedAt
	r.store.jobs[job.ID] = job.Clone()

	return nil
}

func (r *JobRepository) ByID(_ context.Context, id string) (*models.QueueJob, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	job, ok := r.store.jobs[id]
	if !ok {
		return nil, persistence.NewJobError("ByID", id, persistence.ErrJobNotFound)
	}

	return job.Clone(), nil
}

func claimable(job *models.QueueJob, now time.Time) bool {
	return job.Status == models.JobStatusQueued && !job.ScheduledFor.After(now)
}

// claim assumes the store lock is held.
func claim(job *models.QueueJob, owner string, now time.Time, lease time.Duration) {
	expiresAt := now.Add(lease)
	job.Status = models.JobStatusClaimed
	job.LockOwner = owner
	job.LockExpiresAt = &expiresAt
	job.Deliveries++
	job.UpdatedAt = now
}

func (r *JobRepository) Claim(_ context.Context, id, owner string, now time.Time, lease time.Duration) (*models.QueueJob, bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	job, ok := r.store.jobs[id]
	if !ok {
		return nil, false, persistence.NewJobError("Claim", id, persistence.ErrJobNotFound)
	}

	if !claimable(job, now) {
		return nil, false, nil
	}

	claim(job, owner, now, lease)

	return job.Clone(), true, nil
}

func (r *JobRepository) ClaimDue(_ context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]*models.QueueJob, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	due := make([]*models.QueueJob, 0)

	for _, job := range r.store.jobs {
		if claimable(job, now) {
			due = append(due, job)
		}
	}

	slices.SortFunc(due, func(a, b *models.QueueJob) int {
		if a.Priority != b.Priority {
			return cmp.Compare(b.Priority, a.Priority)
		}

		return a.ScheduledFor.Compare(b.ScheduledFor)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*models.QueueJob, 0, len(due))

	for _, job := range due {
		claim(job, owner, now, lease)
		claimed = append(claimed, job.Clone())
	}

	return claimed, nil
}

func (r *JobRepository) Release(_ context.Context, id, owner string, release models.Release, now time.Time) (*models.QueueJob, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	job, ok := r.store.jobs[id]
	if !ok {
		return nil, persistence.NewJobError("Release", id, persistence.ErrJobNotFound)
	}

	if job.Status != models.JobStatusClaimed || job.LockOwner != owner {
		return nil, &persistence.JobError{Op: "Release", JobID: id, Owner: owner, Err: persistence.ErrLeaseLost}
	}

	switch release.Outcome {
	case models.ReleaseDone:
		job.Status = models.JobStatusDone
	case models.ReleaseFailed:
		job.Status = models.JobStatusFailed
	case models.ReleaseRequeue:
		job.Status = models.JobStatusQueued
		job.ScheduledFor = release.ScheduledFor
	default:
		return nil, &persistence.JobError{Op: "Release", JobID: id, Owner: owner, Err: persistence.ErrInvalidTransition}
	}

	if release.Error != "" {
		job.LastError = release.Error
	}

	job.LockOwner = ""
	job.LockExpiresAt = nil
	job.UpdatedAt = now

	return job.Clone(), nil
}

func (r *JobRepository) SweepExpired(_ context.Context, now time.Time) ([]*models.QueueJob, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	swept := make([]*models.QueueJob, 0)

	for _, job := range r.store.jobs {
		if job.Status != models.JobStatusClaimed || job.LockExpiresAt == nil || job.LockExpiresAt.After(now) {
			continue
		}

		if job.MaxDeliveries > 0 && job.Deliveries >= job.MaxDeliveries {
			job.Status = models.JobStatusFailed
			job.LastError = "lease expired after final delivery"
		} else {
			job.Status = models.JobStatusQueued
		}

		job.LockOwner = ""
		job.LockExpiresAt = nil
		job.UpdatedAt = now
		swept = append(swept, job.Clone())
	}

	return swept, nil
}

func (r *JobRepository) Cancel(_ context.Context, id string, now time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	job, ok := r.store.jobs[id]
	if !ok {
		return persistence.NewJobError("Cancel", id, persistence.ErrJobNotFound)
	}

	if job.Status.IsTerminal() {
		return persistence.NewJobError("Cancel", id, persistence.ErrInvalidTransition)
	}

	cancelJob(job, now)

	return nil
}

func cancelJob(job *models.QueueJob, now time.Time) {
	job.Status = models.JobStatusCancelled
	job.LockOwner = ""
	job.LockExpiresAt = nil
	job.UpdatedAt = now
}

func (r *JobRepository) CancelByExecution(_ context.Context, executionID string, now time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	cancelled := 0

	for _, job := range r.store.jobs {
		if job.ExecutionID == executionID && !job.Status.IsTerminal() {
			cancelJob(job, now)
			cancelled++
		}
	}

	return cancelled, nil
}

func (r *JobRepository) DeleteFinished(_ context.Context, before time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	deleted := 0

	for id, job := range r.store.jobs {
		if job.Status.IsTerminal() && job.UpdatedAt.Before(before) {
			delete(r.store.jobs, id)
			deleted++
		}
	}

	return deleted, nil
}

func (r *JobRepository) Stats(_ context.Context, now time.Time) (models.QueueStats, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var stats models.QueueStats

	for _, job := range r.store.jobs {
		switch job.Status {
		case models.JobStatusQueued:
			if job.ScheduledFor.After(now) {
				stats.Delayed++
			} else {
				stats.Queued++
			}
		case models.JobStatusClaimed:
			stats.Claimed++
		case models.JobStatusDone:
			stats.Done++
		case models.JobStatusFailed:
			stats.Failed++
		case models.JobStatusCancelled:
			stats.Cancelled++
		}
	}

	return stats, nil
}
