package web

import (
	"errors"

	"github.com/dukex/lazypipe/pkg/eval"
	"github.com/dukex/lazypipe/pkg/params"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, kind, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType(kind + "_not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

// handleEvalError maps evaluation and binding errors to problem responses.
func handleEvalError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, eval.ErrUnknownTarget):
		return notFound(c, "target", err.Error())

	case errors.Is(err, params.ErrUnknownParameter), errors.Is(err, params.ErrInvalidBinding):
		problem := problems.NewStatusProblem(400).
			WithInstance(c.Path()).
			WithType("invalid_parameters").
			WithDetail(err.Error())

		return c.Status(fiber.StatusBadRequest).JSON(problem)

	case eval.IsUnresolvedParameter(err):
		problem := problems.NewStatusProblem(400).
			WithInstance(c.Path()).
			WithType("unresolved_parameter").
			WithDetail(err.Error())

		return c.Status(fiber.StatusBadRequest).JSON(problem)

	case eval.IsCacheUnavailable(err):
		problem := problems.NewStatusProblem(503).
			WithInstance(c.Path()).
			WithType("cache_unavailable").
			WithDetail(err.Error())

		return c.Status(fiber.StatusServiceUnavailable).JSON(problem)

	case eval.StageOf(err) != "":
		problem := problems.NewStatusProblem(422).
			WithInstance(c.Path()).
			WithType(string(eval.StageOf(err)) + "_error").
			WithDetail(err.Error())

		return c.Status(fiber.StatusUnprocessableEntity).JSON(problem)

	default:
		problem := problems.NewStatusProblem(500).
			WithInstance(c.Path()).
			WithType("internal_error").
			WithError(err)

		return c.Status(fiber.StatusInternalServerError).JSON(problem)
	}
}
