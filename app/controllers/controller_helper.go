package controllers

import (
	"github.com/gofiber/fiber/v2"
)

// Shared Locals/session keys set by the auth flow and read by middlewares
const (
	FROM_PROTECTED = "from_protected"
	USER_ID        = "user_id"
	USER_NAME      = "user_name"
	USER_IS_ADMIN  = "user_is_admin"

	// SESSION_BILLING_ROLE caches the resolved billing role per session
	SESSION_BILLING_ROLE = "billing_role"
)

func isLoggedIn(c *fiber.Ctx) bool {
	var fromProtected bool
	if protectedValue := c.Locals(FROM_PROTECTED); protectedValue != nil {
		fromProtected = protectedValue.(bool)
	}

	return fromProtected
}

// ExtractUsername gets the username from Locals (set by middleware)
func ExtractUsername(c *fiber.Ctx) string {
	// Get from Locals (set by authentication middleware)
	if userNameValue := c.Locals(USER_NAME); userNameValue != nil {
		if userName, ok := userNameValue.(string); ok {
			return userName
		}
	}

	return ""
}
