// Package memory provides an in-process persistence implementation, used in development
// and as the engine's test store.
package memory

import (
	"context"
	"sync"

	"github.com/dukex/careflow/pkg/models"
	"github.com/dukex/careflow/pkg/persistence"
)

// Persistence implements persistence.Persistence on mutex-guarded maps. All repositories share
// one lock so a claim and a release never interleave.
type Persistence struct {
	mu          sync.Mutex
	definitions map[string]*models.WorkflowDefinition
	executions  map[string]*models.WorkflowExecution
	jobs        map[string]*models.QueueJob
	joins       map[joinKey]*models.JoinState
}

type joinKey struct {
	executionID string
	nodeID      string
}

func NewPersistence() *Persistence {
	return &Persistence{
		definitions: make(map[string]*models.WorkflowDefinition),
		executions:  make(map[string]*models.WorkflowExecution),
		jobs:        make(map[string]*models.QueueJob),
		joins:       make(map[joinKey]*models.JoinState),
	}
}

func (p *Persistence) DefinitionRepository() persistence.DefinitionRepository {
	return &DefinitionRepository{store: p}
}

func (p *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return &ExecutionRepository{store: p}
}

func (p *Persistence) JobRepository() persistence.JobRepository {
	return &JobRepository{store: p}
}

func (p *Persistence) JoinRepository() persistence.JoinRepository {
	return &JoinRepository{store: p}
}

// HealthCheck always succeeds for the in-memory store.
func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

// Close performs any necessary cleanup. For memory persistence, there is nothing to clean up.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}
