// Package main provides the Careflow API server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/careflow/pkg/cmd"
	"github.com/dukex/careflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

const shutdownTimeout = 10 * time.Second

type API struct {
	logger        *slog.Logger
	runtime       *cmd.Runtime
	webhookSecret string
	validate      *validator.Validate
}

func NewAPI(logger *slog.Logger, runtime *cmd.Runtime, webhookSecret string) *API {
	return &API{
		logger:        logger,
		runtime:       runtime,
		webhookSecret: webhookSecret,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(
		a.runtime.Store,
		a.runtime.Dispatcher,
		a.runtime.Engine,
		a.runtime.Queue,
		a.runtime.Graph,
		a.validate,
		a.runtime.Clock,
		a.webhookSecret,
		a.logger,
	)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Careflow API")
	})

	handlers.Register(app)

	return app
}

// Start serves until ctx is done, then shuts the server down gracefully.
func (a *API) Start(ctx context.Context, port int) error {
	app := a.App()

	errs := make(chan error, 1)

	go func() {
		errs <- app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	a.logger.InfoContext(ctx, "Careflow API listening", "port", port)

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	a.logger.InfoContext(ctx, "Shutting down Careflow API")

	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}
