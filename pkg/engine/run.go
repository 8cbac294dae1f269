package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/careflow/pkg/graph"
	"github.com/dukex/careflow/pkg/models"
	"github.com/dukex/careflow/pkg/otelhelper"
	"github.com/dukex/careflow/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
)

// errHalted stops a walk once the execution was cancelled or settled elsewhere.
var errHalted = errors.New("execution halted")

// step is one branch about to run node. ActiveNodes holds one token per live branch, keyed by
// the node the branch sits at.
type step struct {
	node *graph.ValidNode
	// via is the edge the branch traversed into node; nil for entries and re-entries.
	via     *models.Edge
	attempt int
	// jobID tags the first log entry written for a resumed job.
	jobID string
}

// transition is the outcome of running one node.
type transition struct {
	entry models.LogEntry
	// follow continues the branch along these edges in this invocation.
	follow []models.Edge
	// park adds tokens for branches persisted as jobs.
	park []string
	// keep leaves the token on the node, which a job will re-enter.
	keep  bool
	prune []models.Edge
	// failure marks the branch failed.
	failure string
	apply   func(exec *models.WorkflowExecution)
}

func (e *Engine) run(ctx context.Context, set *graph.ValidNodeSet, executionID string, pending []step) error {
	for len(pending) > 0 {
		current := pending[0]
		pending = pending[1:]

		next, err := e.step(ctx, set, executionID, current)
		if errors.Is(err, errHalted) {
			e.logger.InfoContext(ctx, "Execution halted, dropping remaining branches",
				"execution_id", executionID, "dropped", len(pending))

			return nil
		}

		if err != nil {
			return err
		}

		pending = append(pending, next...)
	}

	return nil
}

func (e *Engine) step(ctx context.Context, set *graph.ValidNodeSet, executionID string, s step) ([]step, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.node",
		attribute.String(otelhelper.ExecutionIDKey, executionID),
		attribute.String(otelhelper.NodeIDKey, s.node.ID),
		attribute.String(otelhelper.NodeTypeKey, string(s.node.Type)),
	)
	defer span.End()

	execution, err := e.executions.ByID(ctx, executionID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	if execution.Halted() {
		return nil, errHalted
	}

	if s.via != nil && s.node.InDegree() > 1 {
		outcome, err := e.joins.Arrive(ctx, executionID, s.node.ID, s.via.Key(), false, s.node.InDegree())
		if err != nil {
			otelhelper.SetError(span, err)

			return nil, err
		}

		if outcome != models.JoinReady {
			return e.commit(ctx, set, executionID, s, transition{
				entry: models.LogEntry{
					Outcome: models.OutcomeWaiting,
					Message: fmt.Sprintf("arrived via %s, waiting for other branches", s.via.Source),
				},
			})
		}
	}

	t, err := e.dispatch(ctx, execution, s)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	if t.failure != "" {
		span.SetAttributes(attribute.String("careflow.node.failure", t.failure))
	}

	return e.commit(ctx, set, executionID, s, t)
}

// commit settles pruned edges, then records the transition and moves the branch token in one
// versioned update.
func (e *Engine) commit(ctx context.Context, set *graph.ValidNodeSet, executionID string, s step, t transition) ([]step, error) {
	ready, err := e.prune(ctx, set, executionID, t.prune)
	if err != nil {
		return nil, err
	}

	_, err = e.mutate(ctx, executionID, func(exec *models.WorkflowExecution) error {
		now := e.clock.Now()

		if !t.keep {
			exec.RemoveActive(s.node.ID)
		}

		for _, edge := range t.follow {
			exec.AddActive(edge.Target)
		}

		exec.AddActive(t.park...)

		for _, n := range ready {
			exec.AddActive(n.ID)
		}

		if t.apply != nil {
			t.apply(exec)
		}

		if t.failure != "" {
			exec.FailedBranches++
			exec.ErrorMessage = t.failure
		}

		entry := t.entry
		entry.NodeID = s.node.ID
		entry.NodeType = s.node.Type
		entry.Attempt = s.attempt
		entry.JobID = s.jobID
		entry.Timestamp = now
		exec.Append(entry)

		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.NodeOutcome(ctx, string(s.node.Type), string(t.entry.Outcome))

	next := make([]step, 0, len(t.follow)+len(ready))

	for _, edge := range t.follow {
		target, ok := set.Node(edge.Target)
		if !ok {
			return nil, fmt.Errorf("%w: edge target %s missing", ErrInvalidDefinition, edge.Target)
		}

		next = append(next, step{node: target, via: &edge})
	}

	for _, n := range ready {
		next = append(next, step{node: n})
	}

	return next, nil
}

// prune settles edges on a path that will never run. Targets left with no live incoming edge
// are dead and prune their own outgoing edges in turn. Joins that become ready because their
// last pending edge was pruned are returned so the caller can run them.
func (e *Engine) prune(ctx context.Context, set *graph.ValidNodeSet, executionID string, edges []models.Edge) ([]*graph.ValidNode, error) {
	var ready []*graph.ValidNode

	pending := append([]models.Edge(nil), edges...)

	for len(pending) > 0 {
		edge := pending[0]
		pending = pending[1:]

		target, ok := set.Node(edge.Target)
		if !ok {
			continue
		}

		if target.InDegree() > 1 {
			outcome, err := e.joins.Arrive(ctx, executionID, target.ID, edge.Key(), true, target.InDegree())
			if err != nil {
				return nil, err
			}

			switch outcome {
			case models.JoinWaiting:
				continue
			case models.JoinReady:
				ready = append(ready, target)

				continue
			case models.JoinDead:
			}
		}

		pending = append(pending, target.Outgoing...)
		if target.Fallback != nil {
			pending = append(pending, *target.Fallback)
		}
	}

	return ready, nil
}

// update applies fn to the latest version of the execution, retrying on version conflicts.
func (e *Engine) update(ctx context.Context, executionID string, fn func(exec *models.WorkflowExecution) error) (*models.WorkflowExecution, error) {
	for attempt := 0; attempt < e.cfg.MaxUpdateRetries; attempt++ {
		exec, err := e.executions.ByID(ctx, executionID)
		if err != nil {
			return nil, err
		}

		if err := fn(exec); err != nil {
			return exec, err
		}

		now := e.clock.Now()
		exec.UpdatedAt = now
		settled := exec.Settle(now)

		err = e.executions.Update(ctx, exec)
		if persistence.IsVersionConflict(err) {
			e.logger.DebugContext(ctx, "Execution changed concurrently, retrying update",
				"execution_id", executionID, "attempt", attempt+1)

			continue
		}

		if err != nil {
			return nil, err
		}

		if settled {
			e.publishSettled(ctx, exec)
		}

		return exec, nil
	}

	return nil, fmt.Errorf("failed to update execution %s after %d attempts: %w",
		executionID, e.cfg.MaxUpdateRetries, persistence.ErrVersionConflict)
}

// mutate is update for running executions; it returns errHalted once the run was cancelled
// or settled.
func (e *Engine) mutate(ctx context.Context, executionID string, fn func(exec *models.WorkflowExecution) error) (*models.WorkflowExecution, error) {
	return e.update(ctx, executionID, func(exec *models.WorkflowExecution) error {
		if exec.Halted() {
			return errHalted
		}

		return fn(exec)
	})
}
