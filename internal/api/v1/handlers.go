package apiv1

import (
	"github.com/gofiber/fiber/v2"

	// Delegate to existing controllers to keep behavior consistent
	"github.com/crewdeskhq/crewdesk/app/controllers"
	"github.com/crewdeskhq/crewdesk/internal/pkg/middleware"
)

// Pong is the response body of the ping endpoint.
type Pong struct {
	Ping string `json:"ping"`
}

// APIServer implements the public v1 API surface
type APIServer struct{}

// NewAPIServer creates a new API server instance
func NewAPIServer() *APIServer {
	return &APIServer{}
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	response := Pong{
		Ping: "pong",
	}

	return c.Status(fiber.StatusOK).JSON(response)
}

// GetUserProfile returns account information for the authenticated user (API key).
// Security is enforced via API key middleware attached in the router.
func (s *APIServer) GetUserProfile(c *fiber.Ctx) error {
	return controllers.HandleGetUserAccount(c)
}

// GetEntitlements returns the resolved entitlement status for the
// authenticated user (API key). Delegates to the billing controller for a
// consistent response shape.
func (s *APIServer) GetEntitlements(c *fiber.Ctx) error {
	return controllers.HandleGetEntitlements(c)
}

// PostBillingResync triggers a single-user subscription re-sync for the
// authenticated user (API key).
func (s *APIServer) PostBillingResync(c *fiber.Ctx) error {
	return controllers.HandleBillingResync(c)
}

// RegisterHandlers attaches the v1 API routes to the given router group.
// Ping stays public; everything else requires an API key.
func RegisterHandlers(router fiber.Router, server *APIServer) {
	router.Get("/ping", server.GetPing)

	protected := router.Group("", middleware.APIKeyAuthMiddleware())
	protected.Get("/user/profile", server.GetUserProfile)
	protected.Get("/user/entitlements", server.GetEntitlements)
	protected.Post("/user/billing/resync", server.PostBillingResync)
}
