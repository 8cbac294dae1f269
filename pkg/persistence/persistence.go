// Package persistence provides the data storage abstraction for definitions, executions,
// queue jobs and join barriers.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/careflow/pkg/models"
)

type Persistence interface {
	DefinitionRepository() DefinitionRepository
	ExecutionRepository() ExecutionRepository
	JobRepository() JobRepository
	JoinRepository() JoinRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

type DefinitionRepository interface {
	Save(ctx context.Context, definition *models.WorkflowDefinition) error
	ByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	// Active lists active definitions, narrowed to triggerType when it is not empty.
	Active(ctx context.Context, triggerType string) ([]*models.WorkflowDefinition, error)
	Delete(ctx context.Context, id string) error
}

type ExecutionRepository interface {
	Create(ctx context.Context, execution *models.WorkflowExecution) error
	ByID(ctx context.Context, id string) (*models.WorkflowExecution, error)
	// Update stores execution when its Version matches the stored one and bumps Version.
	// A stale version returns ErrVersionConflict.
	Update(ctx context.Context, execution *models.WorkflowExecution) error
}

type JobRepository interface {
	Create(ctx context.Context, job *models.QueueJob) error
	ByID(ctx context.Context, id string) (*models.QueueJob, error)
	// Claim moves one queued, due job to claimed. The bool is false when another worker won it
	// or it is not due.
	Claim(ctx context.Context, id, owner string, now time.Time, lease time.Duration) (*models.QueueJob, bool, error)
	// ClaimDue claims up to limit due jobs, highest priority and oldest schedule first.
	ClaimDue(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]*models.QueueJob, error)
	// Release ends a claim held by owner. ErrLeaseLost means the claim moved on.
	Release(ctx context.Context, id, owner string, release models.Release, now time.Time) (*models.QueueJob, error)
	// SweepExpired returns claimed jobs with an expired lease to the queue, or fails them when
	// their deliveries are exhausted. It returns the jobs it touched.
	SweepExpired(ctx context.Context, now time.Time) ([]*models.QueueJob, error)
	Cancel(ctx context.Context, id string, now time.Time) error
	// CancelByExecution cancels every unfinished job of an execution.
	CancelByExecution(ctx context.Context, executionID string, now time.Time) (int, error)
	DeleteFinished(ctx context.Context, before time.Time) (int, error)
	Stats(ctx context.Context, now time.Time) (models.QueueStats, error)
}

type JoinRepository interface {
	// Arrive settles edgeKey at a join node atomically and reports the barrier outcome.
	Arrive(ctx context.Context, executionID, nodeID, edgeKey string, pruned bool, inDegree int) (models.JoinOutcome, error)
}
