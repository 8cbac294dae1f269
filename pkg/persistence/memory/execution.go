package memory

import (
	"context"
	"time"

	"github.com/dukex/careflow/pkg/models"
	"github.com/dukex/careflow/pkg/persistence"
)

type ExecutionRepository struct {
	store *Persistence
}

func (r *ExecutionRepository) Create(_ context.Context, execution *models.WorkflowExecution) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, exists := r.store.executions[execution.ID]; exists {
		return persistence.NewExecutionError("Create", execution.ID, persistence.ErrExecutionAlreadyExists)
	}

	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = time.Now().UTC()
	}

	execution.UpdatedAt = execution.CreatedAt
	execution.Version = 1
	r.store.executions[execution.ID] = execution.Clone()

	return nil
}

func (r *ExecutionRepository) ByID(_ context.Context, id string) (*models.WorkflowExecution, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	execution, ok := r.store.executions[id]
	if !ok {
		return nil, persistence.NewExecutionError("ByID", id, persistence.ErrExecutionNotFound)
	}

	return execution.Clone(), nil
}

func (r *ExecutionRepository) Update(_ context.Context, execution *models.WorkflowExecution) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	stored, ok := r.store.executions[execution.ID]
	if !ok {
		return persistence.NewExecutionError("Update", execution.ID, persistence.ErrExecutionNotFound)
	}

	if stored.Version != execution.Version {
		return &persistence.ExecutionError{
			Op:          "Update",
			ExecutionID: execution.ID,
			Version:     execution.Version,
			Err:         persistence.ErrVersionConflict,
		}
	}

	execution.Version++
	execution.UpdatedAt = time.Now().UTC()
	r.store.executions[execution.ID] = execution.Clone()

	return nil
}
