package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/rfi-sync-service/internal/api/http/handlers"
	"github.com/spec-kit/rfi-sync-service/internal/auth"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	RFIs           *handlers.RFIHandler
	Triage         *handlers.TriageHandler
	Webhook        *handlers.WebhookHandler
	Dashboard      *handlers.DashboardHandler
	AuthMiddleware *auth.AuthMiddleware
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)

	// Pushes authenticate with a shared secret, not a bearer token.
	app.Post("/webhooks/mail", cfg.Webhook.Receive)

	operator := auth.RequireRole(auth.RoleOperator)

	rfis := app.Group("/rfis", cfg.AuthMiddleware.Handle, auth.RequireAnyRole())
	rfis.Get("", cfg.RFIs.List)
	rfis.Post("", operator, cfg.RFIs.Create)
	rfis.Get("/:id", cfg.RFIs.Get)
	rfis.Get("/:id/events", cfg.RFIs.Events)
	rfis.Post("/:id/send", operator, cfg.RFIs.Send)
	rfis.Post("/:id/follow-ups", operator, cfg.RFIs.FollowUp)
	rfis.Post("/:id/close", operator, cfg.RFIs.Close)
	rfis.Post("/:id/reopen", operator, cfg.RFIs.Reopen)
	rfis.Post("/:id/notes", operator, cfg.RFIs.AddNote)

	triage := app.Group("/triage", cfg.AuthMiddleware.Handle, auth.RequireAnyRole())
	triage.Get("", cfg.Triage.List)
	triage.Get("/:id", cfg.Triage.Get)
	triage.Post("/:id/link", operator, cfg.Triage.Link)
	triage.Post("/:id/requeue", operator, cfg.Triage.Requeue)
	triage.Post("/:id/dismiss", operator, cfg.Triage.Dismiss)

	app.Get("/dashboard", cfg.AuthMiddleware.Handle, auth.RequireAnyRole(), cfg.Dashboard.Get)
}
