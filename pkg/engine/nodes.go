package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/careflow/pkg/delay"
	"github.com/dukex/careflow/pkg/errclass"
	"github.com/dukex/careflow/pkg/messaging"
	"github.com/dukex/careflow/pkg/models"
	"github.com/dukex/careflow/pkg/queue"
	"github.com/dukex/careflow/pkg/template"
)

func (e *Engine) dispatch(ctx context.Context, exec *models.WorkflowExecution, s step) (transition, error) {
	switch cfg := s.node.Config.(type) {
	case models.TriggerConfig:
		return transition{
			entry:  models.LogEntry{Outcome: models.OutcomeSucceeded, Message: "trigger fired"},
			follow: s.node.Outgoing,
		}, nil
	case models.ConditionConfig:
		return e.runCondition(ctx, exec, s, cfg), nil
	case models.ActionConfig:
		if s.node.SubType == models.ActionUpdatePatient {
			return e.runUpdatePatient(exec, s, cfg), nil
		}

		return e.runSend(ctx, exec, s, cfg)
	case models.DelayConfig:
		return e.runDelay(ctx, exec, s, cfg)
	case models.TimeWindowConfig:
		return e.runTimeWindow(ctx, exec, s)
	default:
		return transition{}, fmt.Errorf("%w: node %s has no runnable config", ErrInvalidDefinition, s.node.ID)
	}
}

// runCondition follows the matching branch. An evaluation error counts as false.
func (e *Engine) runCondition(ctx context.Context, exec *models.WorkflowExecution, s step, cfg models.ConditionConfig) transition {
	result, err := e.conditions.Evaluate(cfg, exec.Context.Variables(e.clock.Now()))

	message := fmt.Sprintf("condition evaluated %t", result)

	if err != nil {
		e.logger.WarnContext(ctx, "Condition evaluation failed, taking false branch",
			"execution_id", exec.ID, "node_id", s.node.ID, "error", err)

		message = "condition evaluation failed, treated as false: " + err.Error()
	}

	taken, other := models.EdgeLabelFalse, models.EdgeLabelTrue
	if result {
		taken, other = other, taken
	}

	t := transition{entry: models.LogEntry{Outcome: models.OutcomeBranched, Message: message}}

	if edge, ok := s.node.Branch(taken); ok {
		t.follow = []models.Edge{edge}
	}

	if edge, ok := s.node.Branch(other); ok {
		t.prune = []models.Edge{edge}
	}

	return t
}

func (e *Engine) runUpdatePatient(exec *models.WorkflowExecution, s step, cfg models.ActionConfig) transition {
	vars := exec.Context.Variables(e.clock.Now())

	fields := make(map[string]string, len(cfg.Fields))
	for k, v := range cfg.Fields {
		fields[k] = template.Render(v, vars)
	}

	return transition{
		entry:  models.LogEntry{Outcome: models.OutcomeSucceeded, Message: fmt.Sprintf("updated %d patient fields", len(fields))},
		follow: s.node.Outgoing,
		prune:  fallbackEdges(s.node.Fallback),
		apply: func(exec *models.WorkflowExecution) {
			if exec.Context.Custom == nil {
				exec.Context.Custom = make(map[string]string, len(fields))
			}

			for k, v := range fields {
				exec.Context.Custom[k] = v
			}
		},
	}
}

func fallbackEdges(fallback *models.Edge) []models.Edge {
	if fallback == nil {
		return nil
	}

	return []models.Edge{*fallback}
}

// runSend renders the template and delivers it over the node's channels in order.
func (e *Engine) runSend(ctx context.Context, exec *models.WorkflowExecution, s step, cfg models.ActionConfig) (transition, error) {
	vars := exec.Context.Variables(e.clock.Now())

	channels := cfg.Channels
	if len(channels) == 0 {
		channels = models.DefaultChannels(s.node.SubType)
	}

	metadata := messaging.Metadata{
		IdempotencyKey: messaging.IdempotencyKey(exec.ID, s.node.ID, s.attempt),
		ExecutionID:    exec.ID,
		WorkflowID:     exec.WorkflowID,
		NodeID:         s.node.ID,
		Attempt:        s.attempt,
		TemplateID:     cfg.TemplateID,
	}

	content := template.Render(cfg.Template, vars)
	subject := template.Render(cfg.Subject, vars)

	messages := make([]messaging.Message, 0, len(channels))

	for _, channel := range channels {
		recipient := recipientFor(exec.Context.Patient, channel)
		if recipient == "" {
			continue
		}

		messages = append(messages, messaging.Message{
			Channel:   channel,
			Recipient: recipient,
			Content:   content,
			Subject:   subject,
			Metadata:  metadata,
		})
	}

	var delivery messaging.Delivery

	if len(messages) == 0 {
		delivery.Err = fmt.Errorf("validation: patient %s has no recipient for channels %v", exec.Context.Patient.ID, channels)
	} else {
		delivery = messaging.Deliver(ctx, e.sender, messages)
	}

	if ctx.Err() != nil {
		return transition{}, ctx.Err()
	}

	if delivery.Success {
		e.publishMessageSent(ctx, exec, s.node.ID, delivery.Result)

		message := fmt.Sprintf("sent via %s (%s)", delivery.Channel, delivery.MessageID)
		if delivery.Duplicate {
			message = fmt.Sprintf("already sent via %s (%s)", delivery.Channel, delivery.MessageID)
		}

		return transition{
			entry:  models.LogEntry{Outcome: models.OutcomeSucceeded, Message: message},
			follow: s.node.Outgoing,
			prune:  fallbackEdges(s.node.Fallback),
		}, nil
	}

	return e.sendFailed(ctx, exec, s, delivery.Err)
}

func recipientFor(patient models.Patient, channel models.Channel) string {
	if channel == models.ChannelEmail {
		return patient.Email
	}

	return patient.Phone
}

// sendFailed retries transient failures through the queue. Anything else fails the node,
// which either takes its fallback edge or ends the branch as failed.
func (e *Engine) sendFailed(ctx context.Context, exec *models.WorkflowExecution, s step, cause error) (transition, error) {
	strategy := e.policy.Strategy(cause, s.attempt)
	formatted := errclass.Format(cause, map[string]any{"attempt": s.attempt, "node": s.node.ID})

	if strategy.ShouldRetry {
		job := e.continuation(exec, s.node.ID, "", e.clock.Now().Add(strategy.Delay), models.TagActionRetry)
		job.AttemptCount = s.attempt + 1
		job.LastError = formatted

		if err := e.queue.Enqueue(ctx, job); err != nil {
			return transition{}, err
		}

		e.publishJobScheduled(ctx, exec, job, "retry")

		return transition{
			entry: models.LogEntry{
				Outcome: models.OutcomeRetrying,
				Message: fmt.Sprintf("%s; retry %d/%d at %s", formatted, s.attempt+1, strategy.MaxRetries, job.ScheduledFor.Format(time.RFC3339)),
			},
			keep: true,
		}, nil
	}

	e.logger.WarnContext(ctx, "Action failed", "execution_id", exec.ID, "node_id", s.node.ID,
		"category", strategy.Category, "attempt", s.attempt, "error", cause)
	e.publishNodeFailed(ctx, exec, s, cause, strategy.Category)

	if s.node.Fallback != nil {
		return transition{
			entry:  models.LogEntry{Outcome: models.OutcomeFailed, Message: formatted + "; taking fallback"},
			follow: []models.Edge{*s.node.Fallback},
			prune:  s.node.Outgoing,
		}, nil
	}

	return transition{
		entry:   models.LogEntry{Outcome: models.OutcomeFailed, Message: formatted},
		failure: fmt.Sprintf("node %s failed: %s", s.node.ID, cause),
	}, nil
}

// runDelay waits in place for short delays and otherwise parks one job per successor.
func (e *Engine) runDelay(ctx context.Context, exec *models.WorkflowExecution, s step, cfg models.DelayConfig) (transition, error) {
	now := e.clock.Now()
	wait := e.delays.Delay(cfg, now)

	if wait > delay.MaxDelay {
		message := fmt.Sprintf("delay of %s exceeds the %s cap", wait, delay.MaxDelay)

		return transition{
			entry:   models.LogEntry{Outcome: models.OutcomeFailed, Message: message},
			failure: fmt.Sprintf("node %s failed: %s", s.node.ID, message),
		}, nil
	}

	if wait <= e.cfg.InlineDelayThreshold {
		if err := e.clock.Sleep(ctx, wait); err != nil {
			return transition{}, err
		}

		return transition{
			entry:  models.LogEntry{Outcome: models.OutcomeSucceeded, Message: "waited " + wait.String() + " in place"},
			follow: s.node.Outgoing,
		}, nil
	}

	resumeAt := now.Add(wait)
	parked := make([]string, 0, len(s.node.Outgoing))

	for _, edge := range s.node.Outgoing {
		job := e.continuation(exec, edge.Target, s.node.ID, resumeAt, models.TagDelayContinuation)

		if err := e.queue.Enqueue(ctx, job); err != nil {
			return transition{}, err
		}

		e.publishJobScheduled(ctx, exec, job, "delay")

		parked = append(parked, edge.Target)
	}

	return transition{
		entry: models.LogEntry{
			Outcome: models.OutcomeSuspended,
			Message: fmt.Sprintf("%s, resuming at %s", delay.Format(cfg), resumeAt.Format(time.RFC3339)),
		},
		park: parked,
	}, nil
}

// runTimeWindow continues inside the window and otherwise re-enters at the next opening.
func (e *Engine) runTimeWindow(ctx context.Context, exec *models.WorkflowExecution, s step) (transition, error) {
	now := e.clock.Now()

	open, next, err := e.delays.Check(s.node.Window, now)
	if err != nil {
		return transition{
			entry:   models.LogEntry{Outcome: models.OutcomeFailed, Message: err.Error()},
			failure: fmt.Sprintf("node %s failed: %s", s.node.ID, err),
		}, nil
	}

	if open {
		return transition{
			entry:  models.LogEntry{Outcome: models.OutcomeSucceeded, Message: "inside time window"},
			follow: s.node.Outgoing,
		}, nil
	}

	job := e.continuation(exec, s.node.ID, "", next, models.TagTimeWindowContinuation)

	err = e.queue.Enqueue(ctx, job)
	if errors.Is(err, queue.ErrBeyondHorizon) {
		return transition{
			entry:   models.LogEntry{Outcome: models.OutcomeFailed, Message: err.Error()},
			failure: fmt.Sprintf("node %s failed: %s", s.node.ID, err),
		}, nil
	}

	if err != nil {
		return transition{}, err
	}

	e.publishJobScheduled(ctx, exec, job, "time_window")

	return transition{
		entry: models.LogEntry{
			Outcome: models.OutcomeSuspended,
			Message: "outside time window, resuming at " + next.Format(time.RFC3339),
		},
		keep: true,
	}, nil
}

// continuation builds the job that resumes a branch. Its id is derived from the execution's
// position so a dispatch repeated before its commit enqueues the same job again.
func (e *Engine) continuation(exec *models.WorkflowExecution, resumeNodeID, fromNodeID string, at time.Time, tag string) *models.QueueJob {
	return &models.QueueJob{
		ID:            continuationID(exec, resumeNodeID, fromNodeID),
		WorkflowID:    exec.WorkflowID,
		ExecutionID:   exec.ID,
		Context:       exec.Context.Clone(),
		ResumeNodeID:  resumeNodeID,
		FromNodeID:    fromNodeID,
		ScheduledFor:  at,
		MaxDeliveries: e.cfg.MaxJobDeliveries,
		Priority:      models.PriorityNormal,
		Tags:          []string{tag},
	}
}

func continuationID(exec *models.WorkflowExecution, resumeNodeID, fromNodeID string) string {
	if fromNodeID == "" {
		fromNodeID = resumeNodeID
	}

	return fmt.Sprintf("%s:%s:%s:%d", exec.ID, fromNodeID, resumeNodeID, exec.CurrentStepIndex)
}
