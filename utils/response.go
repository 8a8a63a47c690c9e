package utils

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

// Validate checks request structs against their validate tags.
var Validate = validator.New()

// ErrorResponse writes the uniform {"error": ...} body every handler uses.
func ErrorResponse(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"error": message,
	})
}
