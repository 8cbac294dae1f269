// Package web provides the HTTP API: trigger intake, inbound webhooks, definition
// management and execution inspection.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/careflow/pkg/clock"
	"github.com/dukex/careflow/pkg/graph"
	"github.com/dukex/careflow/pkg/models"
	"github.com/dukex/careflow/pkg/persistence"
	"github.com/dukex/careflow/pkg/queue"
	"github.com/dukex/careflow/pkg/trigger"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// Canceller cancels a running execution. *engine.Engine implements it.
type Canceller interface {
	Cancel(ctx context.Context, executionID, reason string) (*models.WorkflowExecution, error)
}

type APIHandlers struct {
	store         persistence.Persistence
	dispatcher    *trigger.Dispatcher
	canceller     Canceller
	queue         *queue.Service
	graph         *graph.Validator
	validator     *validator.Validate
	clock         clock.Clock
	webhookSecret string
	logger        *slog.Logger
}

func NewAPIHandlers(
	store persistence.Persistence,
	dispatcher *trigger.Dispatcher,
	canceller Canceller,
	jobs *queue.Service,
	graphValidator *graph.Validator,
	validator *validator.Validate,
	clk clock.Clock,
	webhookSecret string,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		store:         store,
		dispatcher:    dispatcher,
		canceller:     canceller,
		queue:         jobs,
		graph:         graphValidator,
		validator:     validator,
		clock:         clk,
		webhookSecret: webhookSecret,
		logger:        logger.With("module", "api"),
	}
}

// Register mounts every route on router.
func (h *APIHandlers) Register(router fiber.Router) {
	router.Get("/health", h.HealthCheck)

	v1 := router.Group("/v1")
	v1.Post("/triggers", h.EnqueueTrigger)
	v1.Post("/webhooks/messages", h.IncomingMessage)
	v1.Post("/webhooks/appointments", h.AppointmentStatusChanged)
	v1.Post("/definitions", h.SaveDefinition)
	v1.Get("/definitions/:id", h.GetDefinition)
	v1.Get("/executions/:id", h.GetExecution)
	v1.Post("/executions/:id/cancel", h.CancelExecution)
	v1.Get("/queue/stats", h.QueueStats)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := http.StatusOK
	check := "ok"

	if err := h.store.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
		check = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"persistence": check,
		},
		"timestamp": h.clock.Now().UTC(),
	})
}

func (h *APIHandlers) EnqueueTrigger(c fiber.Ctx) error {
	var req TriggerRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if !trigger.IsEventType(req.EventType) {
		return badRequest(c, "unknown event_type "+req.EventType)
	}

	executions, err := h.dispatcher.EnqueueTrigger(c.Context(), trigger.Event{
		Type:               req.EventType,
		Context:            req.ExecutionContext(),
		Content:            req.Content,
		CancellationReason: req.CancellationReason,
	})
	if err != nil && len(executions) == 0 {
		return handleServiceError(c, err)
	}

	if err != nil {
		h.logger.WarnContext(c.Context(), "Some matched workflows failed to start", "error", err)
	}

	return c.Status(fiber.StatusAccepted).JSON(summarize(executions))
}

// IncomingMessage starts keyword workflows for an inbound patient message. The raw body
// must be signed with the webhook secret.
func (h *APIHandlers) IncomingMessage(c fiber.Ctx) error {
	if h.webhookSecret == "" {
		return internalError(c, errWebhookSecretMissing)
	}

	if err := verifySignature(h.webhookSecret, c.Body(), c.Get(SignatureHeader)); err != nil {
		h.logger.WarnContext(c.Context(), "Rejected inbound message", "error", err)

		return unauthorized(c, err.Error())
	}

	var req IncomingMessageRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	content := strings.TrimSpace(req.Content)
	if content == "" {
		return c.JSON(TriggerResponse{Executions: []ExecutionSummary{}})
	}

	patient := req.Patient.toModel()
	if patient.Phone == "" {
		patient.Phone = req.Sender
	}

	executions, err := h.dispatcher.EnqueueTrigger(c.Context(), trigger.Event{
		Type:    models.TriggerKeywordReceived,
		Context: models.ExecutionContext{Patient: patient},
		Content: content,
	})
	if err != nil && len(executions) == 0 {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(summarize(executions))
}

// AppointmentStatusChanged fires the trigger mapped from the new status. Unchanged or
// unmapped statuses start nothing.
func (h *APIHandlers) AppointmentStatusChanged(c fiber.Ctx) error {
	var req AppointmentStatusRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	triggerType, ok := trigger.AppointmentTrigger(req.Appointment.Status)
	if !ok || req.PreviousStatus == req.Appointment.Status {
		return c.JSON(TriggerResponse{Executions: []ExecutionSummary{}})
	}

	executions, err := h.dispatcher.EnqueueTrigger(c.Context(), trigger.Event{
		Type: triggerType,
		Context: models.ExecutionContext{
			Patient:     req.Patient.toModel(),
			Appointment: req.Appointment.toModel(),
		},
		CancellationReason: req.Appointment.CancellationReason,
	})
	if err != nil && len(executions) == 0 {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(summarize(executions))
}

// SaveDefinition checks the document schema and the graph, then stores the definition.
func (h *APIHandlers) SaveDefinition(c fiber.Ctx) error {
	def, err := graph.ParseDefinition(c.Body())
	if err != nil {
		return invalidDefinition(c, err)
	}

	if _, err := h.graph.Validate(def); err != nil {
		return invalidDefinition(c, err)
	}

	now := h.clock.Now()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}

	def.UpdatedAt = now

	if err := h.store.DefinitionRepository().Save(c.Context(), def); err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(def)
}

func (h *APIHandlers) GetDefinition(c fiber.Ctx) error {
	def, err := h.store.DefinitionRepository().ByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(def)
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	exec, err := h.store.ExecutionRepository().ByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(exec)
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	var req CancelExecutionRequest

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	exec, err := h.canceller.Cancel(c.Context(), c.Params("id"), req.Reason)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(exec)
}

func (h *APIHandlers) QueueStats(c fiber.Ctx) error {
	stats, err := h.queue.Stats(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"stats":     stats,
		"timestamp": h.clock.Now().UTC().Format(time.RFC3339),
	})
}
