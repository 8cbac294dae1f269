// Package engine interprets workflow definitions: it walks the graph for one execution,
// runs condition and action nodes inline and suspends delayed branches as queue jobs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/careflow/pkg/clock"
	"github.com/dukex/careflow/pkg/condition"
	"github.com/dukex/careflow/pkg/config"
	"github.com/dukex/careflow/pkg/delay"
	"github.com/dukex/careflow/pkg/errclass"
	"github.com/dukex/careflow/pkg/eventbus"
	"github.com/dukex/careflow/pkg/graph"
	"github.com/dukex/careflow/pkg/messaging"
	"github.com/dukex/careflow/pkg/models"
	"github.com/dukex/careflow/pkg/otelhelper"
	"github.com/dukex/careflow/pkg/persistence"
	"github.com/dukex/careflow/pkg/queue"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrUnknownTrigger is returned when the requested entry is not a trigger node of the definition.
	ErrUnknownTrigger = errors.New("trigger node not found in definition")
	// ErrInvalidDefinition wraps graph errors found when a run starts or resumes.
	ErrInvalidDefinition = errors.New("invalid workflow definition")
	// ErrExecutionFinished is returned when cancelling a run that already settled.
	ErrExecutionFinished = errors.New("execution already finished")

	errJobConsumed = errors.New("job already consumed")
)

type Engine struct {
	definitions persistence.DefinitionRepository
	executions  persistence.ExecutionRepository
	joins       persistence.JoinRepository
	queue       *queue.Service
	sender      messaging.Sender
	delays      *delay.Calculator
	conditions  *condition.Evaluator
	validator   *graph.Validator
	publisher   eventbus.EventPublisher
	policy      errclass.Policy
	clock       clock.Clock
	cfg         config.Engine
	tracer      trace.Tracer
	metrics     *otelhelper.ExecutionMetrics
	logger      *slog.Logger
}

type Option func(*Engine)

func WithEventPublisher(publisher eventbus.EventPublisher) Option {
	return func(e *Engine) { e.publisher = publisher }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

func WithMetrics(metrics *otelhelper.ExecutionMetrics) Option {
	return func(e *Engine) { e.metrics = metrics }
}

// WithRetryPolicy overrides the backoff used for failed actions.
func WithRetryPolicy(policy errclass.Policy) Option {
	return func(e *Engine) { e.policy = policy }
}

func New(
	store persistence.Persistence,
	jobs *queue.Service,
	sender messaging.Sender,
	delays *delay.Calculator,
	clk clock.Clock,
	cfg config.Engine,
	logger *slog.Logger,
	opts ...Option,
) *Engine {
	conditions := condition.NewEvaluator()

	e := &Engine{
		definitions: store.DefinitionRepository(),
		executions:  store.ExecutionRepository(),
		joins:       store.JoinRepository(),
		queue:       jobs,
		sender:      sender,
		delays:      delays,
		conditions:  conditions,
		validator:   graph.NewValidator(delays, conditions, clk.Now),
		publisher:   eventbus.Discard{},
		policy:      errclass.DefaultPolicy,
		clock:       clk,
		cfg:         cfg,
		tracer:      otelhelper.NoopTracer(),
		logger:      logger.With("module", "engine"),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// StartExecution validates def, creates an execution entering at triggerNodeID and runs it
// until every branch finished or suspended. An empty triggerNodeID selects the first trigger.
//
// A definition that fails validation still yields an execution, recorded as failed, together
// with an error wrapping ErrInvalidDefinition.
func (e *Engine) StartExecution(
	ctx context.Context,
	def *models.WorkflowDefinition,
	triggerNodeID string,
	execCtx models.ExecutionContext,
) (*models.WorkflowExecution, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.start_execution",
		attribute.String(otelhelper.WorkflowIDKey, def.ID),
		attribute.String(otelhelper.TriggerTypeKey, execCtx.TriggerType),
	)
	defer span.End()

	now := e.clock.Now()
	execution := &models.WorkflowExecution{
		ID:         uuid.NewString(),
		WorkflowID: def.ID,
		PatientID:  execCtx.Patient.ID,
		Status:     models.ExecutionStatusRunning,
		Context:    execCtx.Clone(),
		CreatedAt:  now,
		StartedAt:  &now,
	}

	if execCtx.Appointment != nil {
		execution.AppointmentID = execCtx.Appointment.ID
	}

	span.SetAttributes(attribute.String(otelhelper.ExecutionIDKey, execution.ID))

	logger := e.logger.With("workflow_id", def.ID, "execution_id", execution.ID)

	set, err := e.validator.Validate(def)
	if err != nil {
		logger.WarnContext(ctx, "Definition failed validation, recording failed execution", "error", err)
		otelhelper.SetError(span, err)

		execution.Status = models.ExecutionStatusFailed
		execution.ErrorMessage = err.Error()
		execution.CompletedAt = &now
		execution.Append(models.LogEntry{Outcome: models.OutcomeFailed, Message: err.Error(), Timestamp: now})

		if createErr := e.executions.Create(ctx, execution); createErr != nil {
			return nil, fmt.Errorf("failed to record failed execution: %w", createErr)
		}

		e.publishFailed(ctx, execution)

		return execution, fmt.Errorf("%w %s: %w", ErrInvalidDefinition, def.ID, err)
	}

	entry, err := entryNode(set, triggerNodeID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	execution.TotalSteps = set.Len()
	execution.ActiveNodes = []string{entry.ID}
	execution.Append(models.LogEntry{
		NodeID:    entry.ID,
		NodeType:  entry.Type,
		Outcome:   models.OutcomeStarted,
		Message:   "triggered by " + execCtx.TriggerType,
		Timestamp: now,
	})

	if err := e.executions.Create(ctx, execution); err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	logger.InfoContext(ctx, "Execution started", "trigger_node_id", entry.ID)
	e.publishStarted(ctx, execution, entry.ID)

	// Other entry points never fire in this run, so everything only they feed is dead.
	var dead []models.Edge

	for _, other := range set.Triggers() {
		if other.ID != entry.ID {
			dead = append(dead, other.Outgoing...)
		}
	}

	ready, err := e.prune(ctx, set, execution.ID, dead)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	pending := []step{{node: entry}}

	if len(ready) > 0 {
		if _, err := e.mutate(ctx, execution.ID, func(exec *models.WorkflowExecution) error {
			for _, n := range ready {
				exec.AddActive(n.ID)
			}

			return nil
		}); err != nil && !errors.Is(err, errHalted) {
			return nil, err
		}

		for _, n := range ready {
			pending = append(pending, step{node: n})
		}
	}

	if err := e.run(ctx, set, execution.ID, pending); err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	return e.executions.ByID(ctx, execution.ID)
}

func entryNode(set *graph.ValidNodeSet, triggerNodeID string) (*graph.ValidNode, error) {
	triggers := set.Triggers()

	if triggerNodeID == "" {
		return triggers[0], nil
	}

	for _, t := range triggers {
		if t.ID == triggerNodeID {
			return t, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownTrigger, triggerNodeID)
}

// ProcessJob resumes the branch a claimed job holds. Jobs that are no longer claimed by this
// worker, or whose execution halted or already consumed them, are no-ops.
//
// The returned error is reserved for infrastructure failures; the caller requeues or fails the
// job from it. Workflow-level failures are recorded on the execution instead.
func (e *Engine) ProcessJob(ctx context.Context, job *models.QueueJob) error {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.process_job",
		attribute.String(otelhelper.JobIDKey, job.ID),
		attribute.String(otelhelper.ExecutionIDKey, job.ExecutionID),
		attribute.String(otelhelper.NodeIDKey, job.ResumeNodeID),
		attribute.Int(otelhelper.JobAttemptKey, job.AttemptCount),
	)
	defer span.End()

	logger := e.logger.With("job_id", job.ID, "execution_id", job.ExecutionID, "node_id", job.ResumeNodeID)

	current, err := e.queue.Job(ctx, job.ID)
	if persistence.IsJobNotFound(err) {
		logger.WarnContext(ctx, "Job disappeared before processing")

		return nil
	}

	if err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	if current.Status != models.JobStatusClaimed || current.LockOwner != e.queue.Owner() {
		logger.InfoContext(ctx, "Job is not claimed by this worker, skipping", "status", current.Status)

		return nil
	}

	execution, err := e.executions.ByID(ctx, current.ExecutionID)
	if err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	if execution.Halted() || execution.HasJob(current.ID) {
		logger.InfoContext(ctx, "Execution no longer needs this job", "status", execution.Status)

		return nil
	}

	def, err := e.definitions.ByID(ctx, current.WorkflowID)
	if persistence.IsDefinitionNotFound(err) {
		return e.abort(ctx, execution.ID, current.ID, err)
	}

	if err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	set, err := e.validator.Validate(def)
	if err != nil {
		return e.abort(ctx, execution.ID, current.ID, fmt.Errorf("%w %s: %w", ErrInvalidDefinition, def.ID, err))
	}

	resume, err := resumeStep(set, current)
	if err != nil {
		return e.abort(ctx, execution.ID, current.ID, err)
	}

	if err := e.run(ctx, set, execution.ID, []step{resume}); err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	return nil
}

func resumeStep(set *graph.ValidNodeSet, job *models.QueueJob) (step, error) {
	node, ok := set.Node(job.ResumeNodeID)
	if !ok {
		return step{}, fmt.Errorf("%w: resume node %s no longer exists", ErrInvalidDefinition, job.ResumeNodeID)
	}

	s := step{node: node, attempt: job.AttemptCount, jobID: job.ID}

	if job.ReentersNode() {
		return s, nil
	}

	from, ok := set.Node(job.FromNodeID)
	if !ok {
		return step{}, fmt.Errorf("%w: source node %s no longer exists", ErrInvalidDefinition, job.FromNodeID)
	}

	for _, edge := range from.Outgoing {
		if edge.Target == node.ID {
			s.via = &edge

			return s, nil
		}
	}

	if from.Fallback != nil && from.Fallback.Target == node.ID {
		s.via = from.Fallback

		return s, nil
	}

	return step{}, fmt.Errorf("%w: no edge %s -> %s", ErrInvalidDefinition, job.FromNodeID, job.ResumeNodeID)
}

// abort fails the whole execution when its definition can no longer be run.
func (e *Engine) abort(ctx context.Context, executionID, jobID string, cause error) error {
	e.logger.ErrorContext(ctx, "Failing execution", "execution_id", executionID, "error", cause)

	_, err := e.mutate(ctx, executionID, func(exec *models.WorkflowExecution) error {
		now := e.clock.Now()

		exec.ActiveNodes = nil
		exec.FailedBranches++
		exec.ErrorMessage = cause.Error()
		exec.Append(models.LogEntry{Outcome: models.OutcomeFailed, Message: cause.Error(), JobID: jobID, Timestamp: now})

		return nil
	})
	if errors.Is(err, errHalted) {
		return nil
	}

	return err
}

// FailJob records a job that will never run again as a failed branch: the branch token the
// job carried is dropped and the execution settles once no other branch is live. Jobs the
// execution already consumed, and halted executions, are left alone.
func (e *Engine) FailJob(ctx context.Context, job *models.QueueJob, cause string) error {
	logger := e.logger.With("job_id", job.ID, "execution_id", job.ExecutionID, "node_id", job.ResumeNodeID)

	_, err := e.mutate(ctx, job.ExecutionID, func(exec *models.WorkflowExecution) error {
		if exec.HasJob(job.ID) {
			return errJobConsumed
		}

		message := fmt.Sprintf("job %s for node %s failed: %s", job.ID, job.ResumeNodeID, cause)

		exec.RemoveActive(job.ResumeNodeID)
		exec.FailedBranches++
		exec.ErrorMessage = message
		exec.Append(models.LogEntry{
			NodeID:    job.ResumeNodeID,
			Outcome:   models.OutcomeFailed,
			Message:   message,
			Attempt:   job.AttemptCount,
			JobID:     job.ID,
			Timestamp: e.clock.Now(),
		})

		return nil
	})

	switch {
	case errors.Is(err, errHalted), errors.Is(err, errJobConsumed):
		logger.InfoContext(ctx, "Execution does not wait for the failed job")

		return nil
	case persistence.IsExecutionNotFound(err):
		logger.WarnContext(ctx, "Failed job belongs to no execution")

		return nil
	case err != nil:
		return err
	}

	logger.WarnContext(ctx, "Branch failed with its job", "cause", cause)

	return nil
}

// Cancel flips the execution to cancelled and withdraws its queued jobs. Branches already
// running stop at their next transition.
func (e *Engine) Cancel(ctx context.Context, executionID, reason string) (*models.WorkflowExecution, error) {
	execution, err := e.update(ctx, executionID, func(exec *models.WorkflowExecution) error {
		if exec.Halted() {
			return ErrExecutionFinished
		}

		now := e.clock.Now()
		message := "execution cancelled"

		if reason != "" {
			message += ": " + reason
		}

		exec.Status = models.ExecutionStatusCancelled
		exec.CompletedAt = &now
		exec.ActiveNodes = nil
		exec.Append(models.LogEntry{Outcome: models.OutcomeCancelled, Message: message, Timestamp: now})

		return nil
	})
	if err != nil {
		return nil, err
	}

	cancelled, err := e.queue.CancelExecution(ctx, executionID)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to cancel queued jobs", "execution_id", executionID, "error", err)
	}

	e.logger.InfoContext(ctx, "Execution cancelled", "execution_id", executionID, "cancelled_jobs", cancelled)
	e.publishCancelled(ctx, execution, reason)

	return execution, nil
}
