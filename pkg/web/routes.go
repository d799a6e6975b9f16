package web

import (
	"github.com/gofiber/fiber/v3"
)

// RegisterRoutes mounts the API surface on a fiber app.
func RegisterRoutes(app *fiber.App, handlers *APIHandlers) {
	app.Post("/i/:triggerId", handlers.PostWebhook)

	app.Get("/workorders", handlers.GetWorkOrders)
	app.Post("/workorders", handlers.CreateWorkOrder)

	r := app.Group("/runs")
	r.Get("/:id", handlers.GetRun)
	r.Post("/:id/cancel", handlers.CancelRun)
	r.Post("/:id/retry", handlers.RetryRun)

	app.Get("/health", handlers.HealthCheck)
}
