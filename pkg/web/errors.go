package web

import (
	"errors"

	"github.com/dukex/careflow/pkg/engine"
	"github.com/dukex/careflow/pkg/graph"
	"github.com/dukex/careflow/pkg/persistence"
	"github.com/dukex/careflow/pkg/trigger"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

// graphProblem carries the individual structural errors of a rejected definition.
type graphProblem struct {
	*problems.Problem
	Errors []*graph.GraphError `json:"errors,omitempty"`
}

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func unauthorized(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(401).
		WithInstance(c.Path()).
		WithType("unauthorized").
		WithDetail(detail)

	return c.Status(fiber.StatusUnauthorized).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType("conflict").
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func invalidDefinition(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(422).
		WithInstance(c.Path()).
		WithType("invalid_definition").
		WithDetail(err.Error())

	return c.Status(fiber.StatusUnprocessableEntity).JSON(graphProblem{
		Problem: problem,
		Errors:  graph.Errors(err),
	})
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleServiceError maps domain and persistence errors to problem documents.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case persistence.IsDefinitionNotFound(err):
		return notFound(c, "workflow definition not found")
	case persistence.IsExecutionNotFound(err):
		return notFound(c, "execution not found")
	case persistence.IsVersionConflict(err):
		return conflict(c, err.Error())
	case errors.Is(err, engine.ErrExecutionFinished):
		return conflict(c, err.Error())
	case errors.Is(err, trigger.ErrUnknownEventType):
		return badRequest(c, err.Error())
	case len(graph.Errors(err)) > 0:
		return invalidDefinition(c, err)
	default:
		return internalError(c, err)
	}
}
