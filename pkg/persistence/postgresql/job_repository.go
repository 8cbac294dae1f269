package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/careflow/pkg/models"
	"github.com/dukex/careflow/pkg/persistence"
	"github.com/lib/pq"
)

// JobRepository handles queue job database operations. Claims rely on row locks with
// SKIP LOCKED so concurrent pollers never receive the same job.
type JobRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewJobRepository(db *sql.DB, logger *slog.Logger) *JobRepository {
	return &JobRepository{db: db, logger: logger}
}

const jobColumns = `
		id
	  , workflow_id
	  , execution_id
	  , context
	  , resume_node_id
	  , from_node_id
	  , scheduled_for
	  , status
	  , attempt_count
	  , deliveries
	  , max_deliveries
	  , priority
	  , lock_owner
	  , lock_expires_at
	  , last_error
	  , tags
	  , created_at
	  , updated_at
`

func scanJob(row rowScanner) (*models.QueueJob, error) {
	var (
		job           models.QueueJob
		contextData   []byte
		lockExpiresAt sql.NullTime
	)

	err := row.Scan(
		&job.ID, &job.WorkflowID, &job.ExecutionID, &contextData, &job.ResumeNodeID, &job.FromNodeID,
		&job.ScheduledFor, &job.Status, &job.AttemptCount, &job.Deliveries, &job.MaxDeliveries,
		&job.Priority, &job.LockOwner, &lockExpiresAt, &job.LastError, pq.Array(&job.Tags),
		&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(contextData, &job.Context); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job context: %w", err)
	}

	if lockExpiresAt.Valid {
		job.LockExpiresAt = &lockExpiresAt.Time
	}

	return &job, nil
}

func (r *JobRepository) scanJobs(ctx context.Context, rows *sql.Rows) ([]*models.QueueJob, error) {
	defer closeRows(ctx, r.logger, rows)

	jobs := make([]*models.QueueJob, 0)

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}

		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}

	return jobs, nil
}

func (r *JobRepository) Create(ctx context.Context, job *models.QueueJob) error {
	contextData, err := json.Marshal(job.Context)
	if err != nil {
		return persistence.NewJobError("Create", job.ID, fmt.Errorf("failed to marshal job context: %w", err))
	}

	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	job.UpdatedAt = job.CreatedAt

	query := `INSERT INTO queue_jobs (` + jobColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err = r.db.ExecContext(ctx, query,
		job.ID, job.WorkflowID, job.ExecutionID, contextData, job.ResumeNodeID, job.FromNodeID,
		job.ScheduledFor, job.Status, job.AttemptCount, job.Deliveries, job.MaxDeliveries,
		job.Priority, job.LockOwner, job.LockExpiresAt, job.LastError, textArray(job.Tags),
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return persistence.NewJobError("Create", job.ID, persistence.ErrJobAlreadyExists)
		}

		return persistence.NewJobError("Create", job.ID, fmt.Errorf("failed to insert job: %w", err))
	}

	return nil
}

func (r *JobRepository) ByID(ctx context.Context, id string) (*models.QueueJob, error) {
	job, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewJobError("ByID", id, persistence.ErrJobNotFound)
		}

		return nil, persistence.NewJobError("ByID", id, err)
	}

	return job, nil
}

func (r *JobRepository) Claim(ctx context.Context, id, owner string, now time.Time, lease time.Duration) (*models.QueueJob, bool, error) {
	query := `
		UPDATE queue_jobs SET
			status = 'claimed'
		  , lock_owner = $2
		  , lock_expires_at = $3
		  , deliveries = deliveries + 1
		  , updated_at = $4
		WHERE id = $1 AND status = 'queued' AND scheduled_for <= $4
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.QueryRowContext(ctx, query, id, owner, now.Add(lease), now))
	if err == nil {
		return job, true, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, &persistence.JobError{Op: "Claim", JobID: id, Owner: owner, Err: err}
	}

	if _, err := r.ByID(ctx, id); err != nil {
		return nil, false, err
	}

	return nil, false, nil
}

func (r *JobRepository) ClaimDue(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]*models.QueueJob, error) {
	query := `
		UPDATE queue_jobs SET
			status = 'claimed'
		  , lock_owner = $1
		  , lock_expires_at = $2
		  , deliveries = deliveries + 1
		  , updated_at = $3
		WHERE id IN (
			SELECT id FROM queue_jobs
			WHERE status = 'queued' AND scheduled_for <= $3
			ORDER BY priority DESC, scheduled_for ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	rows, err := r.db.QueryContext(ctx, query, owner, now.Add(lease), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due jobs: %w", err)
	}

	return r.scanJobs(ctx, rows)
}

func (r *JobRepository) Release(ctx context.Context, id, owner string, release models.Release, now time.Time) (*models.QueueJob, error) {
	var (
		status       models.JobStatus
		scheduledFor sql.NullTime
	)

	switch release.Outcome {
	case models.ReleaseDone:
		status = models.JobStatusDone
	case models.ReleaseFailed:
		status = models.JobStatusFailed
	case models.ReleaseRequeue:
		status = models.JobStatusQueued
		scheduledFor = sql.NullTime{Time: release.ScheduledFor, Valid: true}
	default:
		return nil, &persistence.JobError{Op: "Release", JobID: id, Owner: owner, Err: persistence.ErrInvalidTransition}
	}

	query := `
		UPDATE queue_jobs SET
			status = $3
		  , scheduled_for = COALESCE($4, scheduled_for)
		  , last_error = CASE WHEN $5 = '' THEN last_error ELSE $5 END
		  , lock_owner = ''
		  , lock_expires_at = NULL
		  , updated_at = $6
		WHERE id = $1 AND status = 'claimed' AND lock_owner = $2
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.QueryRowContext(ctx, query, id, owner, status, scheduledFor, release.Error, now))
	if err == nil {
		return job, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, &persistence.JobError{Op: "Release", JobID: id, Owner: owner, Err: err}
	}

	if _, err := r.ByID(ctx, id); err != nil {
		return nil, err
	}

	return nil, &persistence.JobError{Op: "Release", JobID: id, Owner: owner, Err: persistence.ErrLeaseLost}
}

func (r *JobRepository) SweepExpired(ctx context.Context, now time.Time) ([]*models.QueueJob, error) {
	query := `
		UPDATE queue_jobs SET
			status = CASE
				WHEN max_deliveries > 0 AND deliveries >= max_deliveries THEN 'failed'
				ELSE 'queued'
			END
		  , last_error = CASE
				WHEN max_deliveries > 0 AND deliveries >= max_deliveries THEN 'lease expired after final delivery'
				ELSE last_error
			END
		  , lock_owner = ''
		  , lock_expires_at = NULL
		  , updated_at = $1
		WHERE id IN (
			SELECT id FROM queue_jobs
			WHERE status = 'claimed' AND lock_expires_at <= $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	rows, err := r.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep expired leases: %w", err)
	}

	return r.scanJobs(ctx, rows)
}

func (r *JobRepository) Cancel(ctx context.Context, id string, now time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE queue_jobs SET status = 'cancelled', lock_owner = '', lock_expires_at = NULL, updated_at = $2
		WHERE id = $1 AND status IN ('queued', 'claimed')
	`, id, now)
	if err != nil {
		return persistence.NewJobError("Cancel", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewJobError("Cancel", id, err)
	}

	if affected == 0 {
		if _, err := r.ByID(ctx, id); err != nil {
			return err
		}

		return persistence.NewJobError("Cancel", id, persistence.ErrInvalidTransition)
	}

	return nil
}

func (r *JobRepository) CancelByExecution(ctx context.Context, executionID string, now time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE queue_jobs SET status = 'cancelled', lock_owner = '', lock_expires_at = NULL, updated_at = $2
		WHERE execution_id = $1 AND status IN ('queued', 'claimed')
	`, executionID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel jobs of execution %s: %w", executionID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cancelled jobs: %w", err)
	}

	return int(affected), nil
}

func (r *JobRepository) DeleteFinished(ctx context.Context, before time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM queue_jobs WHERE status IN ('done', 'failed', 'cancelled') AND updated_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished jobs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted jobs: %w", err)
	}

	return int(affected), nil
}

func (r *JobRepository) Stats(ctx context.Context, now time.Time) (models.QueueStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'queued' AND scheduled_for <= $1)
		  , COUNT(*) FILTER (WHERE status = 'queued' AND scheduled_for > $1)
		  , COUNT(*) FILTER (WHERE status = 'claimed')
		  , COUNT(*) FILTER (WHERE status = 'done')
		  , COUNT(*) FILTER (WHERE status = 'failed')
		  , COUNT(*) FILTER (WHERE status = 'cancelled')
		FROM queue_jobs
	`

	var stats models.QueueStats

	err := r.db.QueryRowContext(ctx, query, now).Scan(
		&stats.Queued, &stats.Delayed, &stats.Claimed, &stats.Done, &stats.Failed, &stats.Cancelled)
	if err != nil {
		return models.QueueStats{}, fmt.Errorf("failed to query queue stats: %w", err)
	}

	return stats, nil
}
