package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/careflow/pkg/clock"
	"github.com/dukex/careflow/pkg/engine"
	"github.com/dukex/careflow/pkg/models"
	"github.com/dukex/careflow/pkg/persistence"
)

// Starter starts one execution of a definition. *engine.Engine implements it.
type Starter interface {
	StartExecution(ctx context.Context, def *models.WorkflowDefinition, triggerNodeID string, execCtx models.ExecutionContext) (*models.WorkflowExecution, error)
}

// Dispatcher matches events against active definitions and starts their executions.
type Dispatcher struct {
	definitions persistence.DefinitionRepository
	matcher     *Matcher
	starter     Starter
	clock       clock.Clock
	logger      *slog.Logger
}

func NewDispatcher(definitions persistence.DefinitionRepository, matcher *Matcher, starter Starter, clk clock.Clock, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		definitions: definitions,
		matcher:     matcher,
		starter:     starter,
		clock:       clk,
		logger:      logger.With("module", "trigger_dispatcher"),
	}
}

// EnqueueTrigger starts one execution per matching definition. A definition that fails
// validation still yields its failed execution; other start errors are joined and returned
// next to the executions that did start.
func (d *Dispatcher) EnqueueTrigger(ctx context.Context, event Event) ([]*models.WorkflowExecution, error) {
	if !IsEventType(event.Type) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, event.Type)
	}

	definitions, err := d.definitions.Active(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load active definitions: %w", err)
	}

	matches := d.matcher.Match(event, definitions)
	if len(matches) == 0 {
		d.logger.DebugContext(ctx, "No workflow matched event", "trigger_type", event.Type)

		return nil, nil
	}

	seed := d.seed(event)
	executions := make([]*models.WorkflowExecution, 0, len(matches))

	var errs []error

	for _, match := range matches {
		logger := d.logger.With("workflow_id", match.Definition.ID, "trigger_node_id", match.Node.ID)

		exec, err := d.starter.StartExecution(ctx, match.Definition, match.Node.ID, seed.Clone())
		if exec != nil {
			executions = append(executions, exec)
		}

		switch {
		case errors.Is(err, engine.ErrInvalidDefinition):
			logger.WarnContext(ctx, "Matched workflow is invalid, recorded failed execution", "error", err)
		case err != nil:
			logger.ErrorContext(ctx, "Failed to start execution", "error", err)
			errs = append(errs, fmt.Errorf("workflow %s: %w", match.Definition.ID, err))
		default:
			logger.InfoContext(ctx, "Started execution",
				"execution_id", exec.ID,
				"reason", match.Reason,
				"status", exec.Status)
		}
	}

	return executions, errors.Join(errs...)
}

func (d *Dispatcher) seed(event Event) models.ExecutionContext {
	seed := event.Context.Clone()
	seed.TriggerType = event.Type

	if seed.EventDate == nil {
		now := d.clock.Now()
		seed.EventDate = &now
	}

	if event.Content != "" {
		seed.Custom["message_content"] = event.Content
	}

	if event.CancellationReason != "" {
		if seed.Appointment == nil {
			seed.Appointment = &models.Appointment{}
		}

		seed.Appointment.CancellationReason = event.CancellationReason
	}

	return seed
}

// ScheduleTick fires schedule triggers due in (from, to]. It has the poller tick hook
// signature.
func (d *Dispatcher) ScheduleTick(ctx context.Context, from, to time.Time) error {
	_, err := d.EnqueueTrigger(ctx, Event{
		Type:    models.TriggerSchedule,
		Context: models.ExecutionContext{EventDate: &to},
		From:    from,
		To:      to,
	})

	return err
}
