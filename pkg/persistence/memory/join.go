package memory

import (
	"context"

	"github.com/dukex/careflow/pkg/models"
)

type JoinRepository struct {
	store *Persistence
}

func (r *JoinRepository) Arrive(_ context.Context, executionID, nodeID, edgeKey string, pruned bool, inDegree int) (models.JoinOutcome, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	key := joinKey{executionID: executionID, nodeID: nodeID}

	state, ok := r.store.joins[key]
	if !ok {
		state = &models.JoinState{ExecutionID: executionID, NodeID: nodeID, InDegree: inDegree}
		r.store.joins[key] = state
	}

	return state.Record(edgeKey, pruned), nil
}
