package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/dukex/careflow/pkg/models"
	"github.com/lib/pq"
)

// JoinRepository records join barrier arrivals under a row lock.
type JoinRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewJoinRepository(db *sql.DB, logger *slog.Logger) *JoinRepository {
	return &JoinRepository{db: db, logger: logger}
}

func (r *JoinRepository) Arrive(ctx context.Context, executionID, nodeID, edgeKey string, pruned bool, inDegree int) (models.JoinOutcome, error) {
	transaction, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin join transaction: %w", err)
	}

	defer func() {
		_ = transaction.Rollback()
	}()

	_, err = transaction.ExecContext(ctx, `
		INSERT INTO join_states (execution_id, node_id, in_degree)
		VALUES ($1, $2, $3)
		ON CONFLICT (execution_id, node_id) DO NOTHING
	`, executionID, nodeID, inDegree)
	if err != nil {
		return "", fmt.Errorf("failed to initialise join state: %w", err)
	}

	state := models.JoinState{ExecutionID: executionID, NodeID: nodeID}

	err = transaction.QueryRowContext(ctx, `
		SELECT in_degree, arrived, pruned, fired
		FROM join_states
		WHERE execution_id = $1 AND node_id = $2
		FOR UPDATE
	`, executionID, nodeID).Scan(&state.InDegree, pq.Array(&state.Arrived), pq.Array(&state.Pruned), &state.Fired)
	if err != nil {
		return "", fmt.Errorf("failed to lock join state: %w", err)
	}

	outcome := state.Record(edgeKey, pruned)

	_, err = transaction.ExecContext(ctx, `
		UPDATE join_states SET arrived = $3, pruned = $4, fired = $5
		WHERE execution_id = $1 AND node_id = $2
	`, executionID, nodeID, textArray(state.Arrived), textArray(state.Pruned), state.Fired)
	if err != nil {
		return "", fmt.Errorf("failed to update join state: %w", err)
	}

	if err := transaction.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit join state: %w", err)
	}

	return outcome, nil
}
