package router

import (
	"github.com/crewdeskhq/crewdesk/app/controllers"
	"github.com/crewdeskhq/crewdesk/app/repository"
	"github.com/crewdeskhq/crewdesk/internal/pkg/database"
	"github.com/crewdeskhq/crewdesk/internal/pkg/middleware"
	"github.com/crewdeskhq/crewdesk/internal/pkg/session"

	"github.com/gofiber/fiber/v2"
)

type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// init session
	session.NewSessionStore()

	// init repositories
	repository.InitializeFactory(database.GetDB())

	// Apply UserContext middleware globally as first middleware
	app.Use(middleware.UserContextMiddleware)

	// Initialize billing services against the global database
	controllers.InitializeBillingController()

	h.registerPublicRoutes(app)
	h.registerProtectedRoutes(app)
	h.registerAdminRoutes(app)
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}

func (h HttpRouter) registerPublicRoutes(app *fiber.App) {
	app.Post("/auth/register", controllers.HandleRegister)
	app.Get("/auth/activate", controllers.HandleActivate)
	app.Post("/auth/login", controllers.HandleLogin)
	app.Post("/auth/logout", controllers.HandleLogout)

	// Provider webhooks authenticate via signature, not session
	app.Post("/webhooks/stripe", controllers.HandleStripeWebhook)
}

func (h HttpRouter) registerProtectedRoutes(app *fiber.App) {
	user := app.Group("/user", middleware.RequireAuth)
	user.Get("/account", controllers.HandleGetUserAccount)
	user.Post("/api-key", controllers.HandleIssueAPIKey)
	user.Delete("/api-key", controllers.HandleRevokeAPIKey)

	billing := app.Group("/billing", middleware.RequireAuth)
	billing.Get("/entitlements", controllers.HandleGetEntitlements)
	billing.Post("/trial", controllers.HandleStartTrial)
	billing.Post("/checkout", controllers.HandleCreateCheckoutSession)
	billing.Post("/portal", controllers.HandleBillingPortal)
	billing.Post("/resync", controllers.HandleBillingResync)
}

func (h HttpRouter) registerAdminRoutes(app *fiber.App) {
	admin := app.Group("/admin", middleware.RequireAdmin)
	admin.Get("/billing/stats", controllers.HandleBillingStats)
}
