package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dukex/careflow/pkg/models"
	"github.com/dukex/careflow/pkg/persistence"
)

type DefinitionRepository struct {
	store *Persistence
}

// copyDefinition deep copies through JSON since node configs are nested maps.
func copyDefinition(def *models.WorkflowDefinition) (*models.WorkflowDefinition, error) {
	raw, err := json.Marshal(def)
	if err != nil {
		return nil, err
	}

	var out models.WorkflowDefinition
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

func (r *DefinitionRepository) Save(_ context.Context, definition *models.WorkflowDefinition) error {
	now := time.Now().UTC()
	if definition.CreatedAt.IsZero() {
		definition.CreatedAt = now
	}

	definition.UpdatedAt = now

	stored, err := copyDefinition(definition)
	if err != nil {
		return persistence.NewDefinitionError("Save", definition.ID, fmt.Errorf("failed to copy definition: %w", err))
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	r.store.definitions[definition.ID] = stored

	return nil
}

func (r *DefinitionRepository) ByID(_ context.Context, id string) (*models.WorkflowDefinition, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	def, ok := r.store.definitions[id]
	if !ok {
		return nil, persistence.NewDefinitionError("ByID", id, persistence.ErrDefinitionNotFound)
	}

	return copyDefinition(def)
}

func (r *DefinitionRepository) Active(_ context.Context, triggerType string) ([]*models.WorkflowDefinition, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	out := make([]*models.WorkflowDefinition, 0)

	for _, def := range r.store.definitions {
		if !def.IsActive || (triggerType != "" && def.TriggerType != triggerType) {
			continue
		}

		copied, err := copyDefinition(def)
		if err != nil {
			return nil, persistence.NewDefinitionError("Active", def.ID, err)
		}

		out = append(out, copied)
	}

	slices.SortFunc(out, func(a, b *models.WorkflowDefinition) int {
		return strings.Compare(a.ID, b.ID)
	})

	return out, nil
}

func (r *DefinitionRepository) Delete(_ context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, ok := r.store.definitions[id]; !ok {
		return persistence.NewDefinitionError("Delete", id, persistence.ErrDefinitionNotFound)
	}

	delete(r.store.definitions, id)

	return nil
}
