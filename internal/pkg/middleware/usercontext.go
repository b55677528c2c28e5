package middleware

import (
	"github.com/crewdeskhq/crewdesk/app/controllers"
	"github.com/crewdeskhq/crewdesk/app/repository"
	"github.com/crewdeskhq/crewdesk/internal/pkg/session"
	"github.com/crewdeskhq/crewdesk/internal/pkg/usercontext"
	"github.com/gofiber/fiber/v2"
)

// UserContextMiddleware sets up the complete user context for every request
// This centralizes user session handling and eliminates code duplication
func UserContextMiddleware(c *fiber.Ctx) error {
	// Get session with error handling
	sess, err := session.GetSessionStore().Get(c)
	if err != nil {
		// On error: set as anonymous user
		c.Locals("USER_CONTEXT", usercontext.UserContext{
			IsLoggedIn: false,
			IsAdmin:    false,
		})
		c.Locals(controllers.FROM_PROTECTED, false)
		c.Locals(controllers.USER_IS_ADMIN, false)
		return c.Next()
	}

	// Get user ID from session
	userID := sess.Get(controllers.USER_ID)
	if userID == nil {
		// Anonymous user - no session data
		c.Locals("USER_CONTEXT", usercontext.UserContext{
			IsLoggedIn: false,
			IsAdmin:    false,
		})
		c.Locals(controllers.FROM_PROTECTED, false)
		c.Locals(controllers.USER_IS_ADMIN, false)
		return c.Next()
	}

	// User is logged in - get additional data
	username := session.GetSessionValue(c, controllers.USER_NAME)
	isAdmin := sess.Get(controllers.USER_IS_ADMIN)

	// Determine billing role with session-first strategy
	billingRole := session.GetSessionValue(c, controllers.SESSION_BILLING_ROLE)
	if billingRole == "" {
		billingRole = "free"
		repo := repository.GetGlobalFactory().GetUserRepository()
		if user, err := repo.GetByID(userID.(uint)); err == nil {
			billingRole = user.BillingRole()
		}
		// cache in session for subsequent requests
		_ = session.SetSessionValue(c, controllers.SESSION_BILLING_ROLE, billingRole)
	}

	// Set complete user context
	userCtx := usercontext.UserContext{
		UserID:      userID.(uint),
		Username:    username,
		IsLoggedIn:  true,
		IsAdmin:     isAdmin != nil && isAdmin.(bool),
		BillingRole: billingRole,
	}
	c.Locals("USER_CONTEXT", userCtx)

	// Legacy compatibility - keep existing Locals for backward compatibility
	c.Locals(controllers.FROM_PROTECTED, true)
	c.Locals(controllers.USER_NAME, username)
	c.Locals(controllers.USER_ID, userID.(uint))
	c.Locals(controllers.USER_IS_ADMIN, userCtx.IsAdmin)

	return c.Next()
}
