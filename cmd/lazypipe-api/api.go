// Package main provides the lazypipe API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/dukex/lazypipe/internal/experiment"
	"github.com/dukex/lazypipe/pkg/eval"
	"github.com/dukex/lazypipe/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type API struct {
	logger    *slog.Logger
	evaluator *eval.Evaluator
	pipeline  *experiment.Pipeline
	validate  *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	evaluator *eval.Evaluator,
	pipeline *experiment.Pipeline,
) *API {
	return &API{
		logger:    logger,
		evaluator: evaluator,
		pipeline:  pipeline,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.evaluator, a.pipeline.Params, a.pipeline.Bind, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("lazypipe API")
	})

	app.Get("/graph", handlers.GetGraph)
	app.Get("/params", handlers.GetParams)
	app.Post("/runs", handlers.CreateRun)
	app.Post("/keys", handlers.GetKeys)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	a.logger.Info("Listening", "port", port)

	return a.App().Listen(":" + strconv.Itoa(port))
}
