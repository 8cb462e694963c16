package api

import (
	"fmt"

	"github.com/routewise/gateway/internal/models"

	"github.com/gofiber/fiber/v2"
)

// respondError renders any error as the sanitized JSON error envelope,
// setting Retry-After for rate-limited requests.
func respondError(c *fiber.Ctx, err error) error {
	appErr := models.SanitizeError(err)
	if appErr.Type == models.ErrorTypeRateLimit && appErr.RetryAfter > 0 {
		c.Set(fiber.HeaderRetryAfter, fmt.Sprintf("%.0f", appErr.RetryAfter.Seconds()))
	}
	return c.Status(appErr.GetStatusCode()).JSON(fiber.Map{"error": appErr})
}
