package web

import (
	"fmt"
	"net/http"
	"time"

	"github.com/dukex/lazypipe/pkg/cache"
	"github.com/dukex/lazypipe/pkg/eval"
	"github.com/dukex/lazypipe/pkg/params"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// Binder turns request parameters into a binding. Pipelines that derive
// values (such as an estimator from its name) supply their own.
type Binder func(values map[string]any) (params.Binding, error)

type APIHandlers struct {
	evaluator *eval.Evaluator
	registry  *params.Registry
	bind      Binder
	validator *validator.Validate
}

func NewAPIHandlers(
	evaluator *eval.Evaluator,
	registry *params.Registry,
	bind Binder,
	validator *validator.Validate,
) *APIHandlers {
	if bind == nil {
		bind = registry.Bind
	}

	return &APIHandlers{
		evaluator: evaluator,
		registry:  registry,
		bind:      bind,
		validator: validator,
	}
}

func (h *APIHandlers) GetGraph(c fiber.Ctx) error {
	return c.JSON(TransformGraph(h.evaluator.Graph()))
}

func (h *APIHandlers) GetParams(c fiber.Ctx) error {
	return c.JSON(h.registry.Schema())
}

// parseRunRequest decodes, validates and binds a run request.
func (h *APIHandlers) parseRunRequest(c fiber.Ctx) (*RunRequest, params.Binding, error) {
	var req RunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return nil, params.Binding{}, badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return nil, params.Binding{}, badRequest(c, err.Error())
	}

	if req.Params == nil {
		req.Params = make(map[string]any)
	}

	req.Params = params.Normalize(req.Params)

	if err := h.registry.Validate(req.Params); err != nil {
		return nil, params.Binding{}, handleEvalError(c, err)
	}

	binding, err := h.bind(req.Params)
	if err != nil {
		return nil, params.Binding{}, handleEvalError(c, fmt.Errorf("%w: %w", params.ErrInvalidBinding, err))
	}

	return &req, binding, nil
}

func (h *APIHandlers) CreateRun(c fiber.Ctx) error {
	req, binding, err := h.parseRunRequest(c)
	if req == nil {
		return err
	}

	handles, err := h.evaluator.Resolve(req.Targets)
	if err != nil {
		return handleEvalError(c, err)
	}

	values, report, err := h.evaluator.EvaluateWithReport(c.Context(), handles, binding)
	if err != nil {
		return handleEvalError(c, err)
	}

	response := RunResponse{
		EvaluationID: report.EvaluationID,
		Values:       make(map[string]any, len(req.Targets)),
		Report:       report,
	}

	for i, name := range req.Targets {
		response.Values[name] = values[i]
	}

	return c.Status(fiber.StatusCreated).JSON(response)
}

func (h *APIHandlers) GetKeys(c fiber.Ctx) error {
	req, binding, err := h.parseRunRequest(c)
	if req == nil {
		return err
	}

	handles, err := h.evaluator.Resolve(req.Targets)
	if err != nil {
		return handleEvalError(c, err)
	}

	keys, err := h.evaluator.Keys(handles, binding)
	if err != nil {
		return handleEvalError(c, err)
	}

	response := KeysResponse{Keys: make(map[string]cache.Key, len(keys))}
	for i, name := range req.Targets {
		response.Keys[name] = keys[i]
	}

	return c.JSON(response)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "lazypipe API is healthy"
	httpStatus := http.StatusOK
	storeCheck := "ok"

	if err := h.evaluator.Store().HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		message = "lazypipe API is unhealthy"
		httpStatus = http.StatusServiceUnavailable
		storeCheck = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"cache": storeCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}
