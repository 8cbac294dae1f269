package engine

import (
	"context"
	"time"

	"github.com/dukex/careflow/pkg/errclass"
	"github.com/dukex/careflow/pkg/eventbus"
	"github.com/dukex/careflow/pkg/events"
	"github.com/dukex/careflow/pkg/messaging"
	"github.com/dukex/careflow/pkg/models"
)

// publish never fails the run; lifecycle events are best effort.
func (e *Engine) publish(ctx context.Context, key string, event eventbus.Event) {
	if err := e.publisher.Publish(ctx, key, event); err != nil {
		e.logger.WarnContext(ctx, "Failed to publish event", "event_type", event.GetType(), "key", key, "error", err)
	}
}

func (e *Engine) base(eventType events.EventType, exec *models.WorkflowExecution) events.BaseEvent {
	return events.NewBaseEvent(eventType, exec.WorkflowID, exec.ID, e.clock.Now())
}

func (e *Engine) publishStarted(ctx context.Context, exec *models.WorkflowExecution, triggerNodeID string) {
	e.metrics.Started(ctx, exec.WorkflowID, exec.Context.TriggerType)

	e.publish(ctx, exec.ID, events.ExecutionStarted{
		BaseEvent:     e.base(events.ExecutionStartedEvent, exec),
		TriggerNodeID: triggerNodeID,
		TriggerType:   exec.Context.TriggerType,
		PatientID:     exec.PatientID,
	})
}

func (e *Engine) publishSettled(ctx context.Context, exec *models.WorkflowExecution) {
	if exec.Status == models.ExecutionStatusFailed {
		e.publishFailed(ctx, exec)

		return
	}

	e.logger.InfoContext(ctx, "Execution completed", "execution_id", exec.ID, "steps", exec.CurrentStepIndex)
	e.metrics.Finished(ctx, exec.WorkflowID, string(exec.Status), duration(exec))

	e.publish(ctx, exec.ID, events.ExecutionCompleted{
		BaseEvent:  e.base(events.ExecutionCompletedEvent, exec),
		DurationMs: durationMs(exec),
		Steps:      exec.CurrentStepIndex,
	})
}

func (e *Engine) publishFailed(ctx context.Context, exec *models.WorkflowExecution) {
	e.logger.WarnContext(ctx, "Execution failed", "execution_id", exec.ID, "error", exec.ErrorMessage)
	e.metrics.Finished(ctx, exec.WorkflowID, string(exec.Status), duration(exec))

	e.publish(ctx, exec.ID, events.ExecutionFailed{
		BaseEvent:      e.base(events.ExecutionFailedEvent, exec),
		Error:          exec.ErrorMessage,
		FailedBranches: exec.FailedBranches,
		DurationMs:     durationMs(exec),
	})
}

func (e *Engine) publishCancelled(ctx context.Context, exec *models.WorkflowExecution, reason string) {
	e.metrics.Finished(ctx, exec.WorkflowID, string(exec.Status), duration(exec))

	e.publish(ctx, exec.ID, events.ExecutionCancelled{
		BaseEvent: e.base(events.ExecutionCancelledEvent, exec),
		Reason:    reason,
	})
}

func (e *Engine) publishNodeFailed(ctx context.Context, exec *models.WorkflowExecution, s step, cause error, category errclass.Category) {
	e.publish(ctx, exec.ID, events.NodeFailed{
		BaseEvent: e.base(events.NodeFailedEvent, exec),
		NodeID:    s.node.ID,
		Error:     cause.Error(),
		Category:  string(category),
		Attempt:   s.attempt,
	})
}

func (e *Engine) publishJobScheduled(ctx context.Context, exec *models.WorkflowExecution, job *models.QueueJob, reason string) {
	e.publish(ctx, exec.ID, events.JobScheduled{
		BaseEvent:    e.base(events.JobScheduledEvent, exec),
		JobID:        job.ID,
		NodeID:       job.ResumeNodeID,
		Reason:       reason,
		ScheduledFor: job.ScheduledFor,
	})
}

func (e *Engine) publishMessageSent(ctx context.Context, exec *models.WorkflowExecution, nodeID string, result messaging.Result) {
	e.publish(ctx, exec.ID, events.MessageSent{
		BaseEvent: e.base(events.MessageSentEvent, exec),
		NodeID:    nodeID,
		Channel:   string(result.Channel),
		MessageID: result.MessageID,
		Duplicate: result.Duplicate,
	})
}

func durationMs(exec *models.WorkflowExecution) int64 {
	return duration(exec).Milliseconds()
}

func duration(exec *models.WorkflowExecution) time.Duration {
	if exec.StartedAt == nil || exec.CompletedAt == nil {
		return 0
	}

	return exec.CompletedAt.Sub(*exec.StartedAt)
}
