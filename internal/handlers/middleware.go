package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/sukoon-app/sukoon-backend/utils"
)

// UserMiddleware resolves the calling user from the X-User-ID header.
// Authentication itself is handled upstream; this service only needs a
// stable identity to key sessions by.
func UserMiddleware(c *fiber.Ctx) error {
	userID := c.Get("X-User-ID")
	if userID == "" {
		return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Missing X-User-ID header")
	}

	c.Locals("userId", userID)
	return c.Next()
}
