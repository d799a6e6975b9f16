// Package main provides the Spool API server implementation.
package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/spooldev/spool/pkg/eventbus"
	"github.com/spooldev/spool/pkg/persistence"
	"github.com/spooldev/spool/pkg/queue"
	"github.com/spooldev/spool/pkg/retention"
	"github.com/spooldev/spool/pkg/runs"
	"github.com/spooldev/spool/pkg/web"
)

type API struct {
	logger   *slog.Logger
	store    persistence.Store
	eventBus eventbus.EventBus
	notifier queue.Notifier
}

func NewAPI(
	logger *slog.Logger,
	store persistence.Store,
	eventBus eventbus.EventBus,
	notifier queue.Notifier,
) *API {
	return &API{
		logger:   logger,
		store:    store,
		eventBus: eventBus,
		notifier: notifier,
	}
}

func (a *API) App() *fiber.App {
	retentionEngine := retention.NewEngine(a.store, a.logger)
	runService := runs.NewService(a.store, retentionEngine, a.eventBus, &announcer{
		notifier: a.notifier,
		logger:   a.logger,
	}, a.logger)

	// Workers learn about cancellations through the run status event the
	// service publishes; the gateway process forwards it to the open channel.
	handlers := web.NewAPIHandlers(a.store, runService, nil, a.logger)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Spool API")
	})

	web.RegisterRoutes(app, handlers)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}

// announcer wakes gateway claim loops when the API enqueues a run, without
// pulling the worker token authority into this process.
type announcer struct {
	notifier queue.Notifier
	logger   *slog.Logger
}

func (a *announcer) Announce(ctx context.Context) {
	err := a.notifier.Announce(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "failed to announce available run", "error", err)
	}
}
