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
)

// DefinitionRepository handles workflow definition database operations.
type DefinitionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewDefinitionRepository(db *sql.DB, logger *slog.Logger) *DefinitionRepository {
	return &DefinitionRepository{db: db, logger: logger}
}

const selectDefinition = `
	SELECT
		id
	  , name
	  , trigger_type
	  , is_active
	  , nodes
	  , edges
	  , created_at
	  , updated_at
	FROM workflow_definitions
`

// Save upserts a definition.
func (r *DefinitionRepository) Save(ctx context.Context, definition *models.WorkflowDefinition) error {
	nodes, err := json.Marshal(definition.Nodes)
	if err != nil {
		return persistence.NewDefinitionError("Save", definition.ID, fmt.Errorf("failed to marshal nodes: %w", err))
	}

	edges, err := json.Marshal(definition.Edges)
	if err != nil {
		return persistence.NewDefinitionError("Save", definition.ID, fmt.Errorf("failed to marshal edges: %w", err))
	}

	now := time.Now().UTC()
	if definition.CreatedAt.IsZero() {
		definition.CreatedAt = now
	}

	definition.UpdatedAt = now

	query := `
		INSERT INTO workflow_definitions (id, name, trigger_type, is_active, nodes, edges, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name
		  , trigger_type = EXCLUDED.trigger_type
		  , is_active = EXCLUDED.is_active
		  , nodes = EXCLUDED.nodes
		  , edges = EXCLUDED.edges
		  , updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		definition.ID, definition.Name, definition.TriggerType, definition.IsActive,
		nodes, edges, definition.CreatedAt, definition.UpdatedAt)
	if err != nil {
		return persistence.NewDefinitionError("Save", definition.ID, fmt.Errorf("failed to save definition: %w", err))
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*models.WorkflowDefinition, error) {
	var (
		def          models.WorkflowDefinition
		nodes, edges []byte
	)

	err := row.Scan(&def.ID, &def.Name, &def.TriggerType, &def.IsActive, &nodes, &edges, &def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(nodes, &def.Nodes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal nodes: %w", err)
	}

	if err := json.Unmarshal(edges, &def.Edges); err != nil {
		return nil, fmt.Errorf("failed to unmarshal edges: %w", err)
	}

	return &def, nil
}

func (r *DefinitionRepository) ByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	def, err := scanDefinition(r.db.QueryRowContext(ctx, selectDefinition+" WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewDefinitionError("ByID", id, persistence.ErrDefinitionNotFound)
		}

		return nil, persistence.NewDefinitionError("ByID", id, err)
	}

	return def, nil
}

func (r *DefinitionRepository) Active(ctx context.Context, triggerType string) ([]*models.WorkflowDefinition, error) {
	query := selectDefinition + ` WHERE is_active AND ($1 = '' OR trigger_type = $1) ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, triggerType)
	if err != nil {
		return nil, fmt.Errorf("failed to query active definitions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	definitions := make([]*models.WorkflowDefinition, 0)

	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan definition: %w", err)
		}

		definitions = append(definitions, def)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate definitions: %w", err)
	}

	return definitions, nil
}

func (r *DefinitionRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM workflow_definitions WHERE id = $1", id)
	if err != nil {
		return persistence.NewDefinitionError("Delete", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewDefinitionError("Delete", id, err)
	}

	if affected == 0 {
		return persistence.NewDefinitionError("Delete", id, persistence.ErrDefinitionNotFound)
	}

	return nil
}
