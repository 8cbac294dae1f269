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

// uniqueViolation is the PostgreSQL SQLSTATE for duplicate keys.
const uniqueViolation = "23505"

// ExecutionRepository handles workflow execution database operations.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

func (r *ExecutionRepository) Create(ctx context.Context, execution *models.WorkflowExecution) error {
	logEntries, contextData, err := marshalExecution(execution)
	if err != nil {
		return persistence.NewExecutionError("Create", execution.ID, err)
	}

	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = time.Now().UTC()
	}

	execution.UpdatedAt = execution.CreatedAt
	execution.Version = 1

	query := `
		INSERT INTO workflow_executions (
			id, workflow_id, patient_id, appointment_id, status, current_node_id, current_step_index,
			total_steps, active_nodes, failed_branches, log, error_message, context, version,
			created_at, updated_at, started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	_, err = r.db.ExecContext(ctx, query,
		execution.ID, execution.WorkflowID, execution.PatientID, execution.AppointmentID,
		execution.Status, execution.CurrentNodeID, execution.CurrentStepIndex, execution.TotalSteps,
		textArray(execution.ActiveNodes), execution.FailedBranches, logEntries, execution.ErrorMessage,
		contextData, execution.Version, execution.CreatedAt, execution.UpdatedAt,
		execution.StartedAt, execution.CompletedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return persistence.NewExecutionError("Create", execution.ID, persistence.ErrExecutionAlreadyExists)
		}

		return persistence.NewExecutionError("Create", execution.ID, fmt.Errorf("failed to insert execution: %w", err))
	}

	return nil
}

func (r *ExecutionRepository) ByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	query := `
		SELECT
			id
		  , workflow_id
		  , COALESCE(patient_id, '')
		  , COALESCE(appointment_id, '')
		  , status
		  , COALESCE(current_node_id, '')
		  , current_step_index
		  , total_steps
		  , active_nodes
		  , failed_branches
		  , log
		  , COALESCE(error_message, '')
		  , context
		  , version
		  , created_at
		  , updated_at
		  , started_at
		  , completed_at
		FROM workflow_executions
		WHERE id = $1
	`

	var (
		execution               models.WorkflowExecution
		logEntries, contextData []byte
		startedAt, completedAt  sql.NullTime
	)

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&execution.ID, &execution.WorkflowID, &execution.PatientID, &execution.AppointmentID,
		&execution.Status, &execution.CurrentNodeID, &execution.CurrentStepIndex, &execution.TotalSteps,
		pq.Array(&execution.ActiveNodes), &execution.FailedBranches, &logEntries, &execution.ErrorMessage,
		&contextData, &execution.Version, &execution.CreatedAt, &execution.UpdatedAt,
		&startedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("ByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("ByID", id, err)
	}

	if err := json.Unmarshal(logEntries, &execution.Log); err != nil {
		return nil, persistence.NewExecutionError("ByID", id, fmt.Errorf("failed to unmarshal log: %w", err))
	}

	if err := json.Unmarshal(contextData, &execution.Context); err != nil {
		return nil, persistence.NewExecutionError("ByID", id, fmt.Errorf("failed to unmarshal context: %w", err))
	}

	if startedAt.Valid {
		execution.StartedAt = &startedAt.Time
	}

	if completedAt.Valid {
		execution.CompletedAt = &completedAt.Time
	}

	return &execution, nil
}

// Update writes the execution only when the stored version still matches.
func (r *ExecutionRepository) Update(ctx context.Context, execution *models.WorkflowExecution) error {
	logEntries, contextData, err := marshalExecution(execution)
	if err != nil {
		return persistence.NewExecutionError("Update", execution.ID, err)
	}

	updatedAt := time.Now().UTC()

	query := `
		UPDATE workflow_executions SET
			status = $3
		  , current_node_id = $4
		  , current_step_index = $5
		  , total_steps = $6
		  , active_nodes = $7
		  , failed_branches = $8
		  , log = $9
		  , error_message = $10
		  , context = $11
		  , started_at = $12
		  , completed_at = $13
		  , updated_at = $14
		  , version = version + 1
		WHERE id = $1 AND version = $2
	`

	result, err := r.db.ExecContext(ctx, query,
		execution.ID, execution.Version, execution.Status, execution.CurrentNodeID,
		execution.CurrentStepIndex, execution.TotalSteps, textArray(execution.ActiveNodes),
		execution.FailedBranches, logEntries, execution.ErrorMessage, contextData,
		execution.StartedAt, execution.CompletedAt, updatedAt)
	if err != nil {
		return persistence.NewExecutionError("Update", execution.ID, fmt.Errorf("failed to update execution: %w", err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewExecutionError("Update", execution.ID, err)
	}

	if affected == 0 {
		var exists bool

		err := r.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM workflow_executions WHERE id = $1)", execution.ID).Scan(&exists)
		if err != nil {
			return persistence.NewExecutionError("Update", execution.ID, err)
		}

		if !exists {
			return persistence.NewExecutionError("Update", execution.ID, persistence.ErrExecutionNotFound)
		}

		return &persistence.ExecutionError{
			Op:          "Update",
			ExecutionID: execution.ID,
			Version:     execution.Version,
			Err:         persistence.ErrVersionConflict,
		}
	}

	execution.Version++
	execution.UpdatedAt = updatedAt

	return nil
}

func marshalExecution(execution *models.WorkflowExecution) ([]byte, []byte, error) {
	entries := execution.Log
	if entries == nil {
		entries = []models.LogEntry{}
	}

	logEntries, err := json.Marshal(entries)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal log: %w", err)
	}

	contextData, err := json.Marshal(execution.Context)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal context: %w", err)
	}

	return logEntries, contextData, nil
}
