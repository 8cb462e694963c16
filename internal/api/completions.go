package api

import (
	"strings"

	"github.com/routewise/gateway/internal/models"
	"github.com/routewise/gateway/internal/services/gateway"
	"github.com/routewise/gateway/internal/services/providers"

	"github.com/gofiber/fiber/v2"
)

// CompletionHandler handles completion requests on the main request path.
type CompletionHandler struct {
	service *gateway.Service
}

func NewCompletionHandler(service *gateway.Service) *CompletionHandler {
	return &CompletionHandler{service: service}
}

// CompletionRequest is the inbound request body.
type CompletionRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	System    string `json:"system,omitzero"`
	MaxTokens int    `json:"max_tokens,omitzero"`
}

// Complete handles POST /v1/completions.
func (h *CompletionHandler) Complete(c *fiber.Ctx) error {
	var body CompletionRequest
	if err := c.BodyParser(&body); err != nil {
		return respondError(c, models.NewValidationError("invalid request body", err))
	}
	if body.Prompt == "" {
		return respondError(c, models.NewValidationError("prompt is required", nil))
	}

	key := rateLimitKey(c)
	if key.APIKey == "" && key.Tenant == "" {
		return respondError(c, models.NewValidationError("missing API key", nil))
	}

	resp, requestID, err := h.service.Complete(c.Context(), key, &providers.Request{
		Model:     body.Model,
		Prompt:    body.Prompt,
		System:    body.System,
		MaxTokens: int64(body.MaxTokens),
	})
	if err != nil {
		c.Set("X-Request-ID", requestID)
		return respondError(c, err)
	}

	c.Set("X-Request-ID", requestID)
	return c.JSON(resp)
}

// rateLimitKey derives the admission-control identity from the request:
// bearer token or X-API-Key header plus the optional tenant header.
func rateLimitKey(c *fiber.Ctx) models.RateLimitKey {
	apiKey := c.Get("X-API-Key")
	if apiKey == "" {
		auth := c.Get(fiber.HeaderAuthorization)
		apiKey = strings.TrimPrefix(auth, "Bearer ")
		if apiKey == auth {
			apiKey = ""
		}
	}
	return models.RateLimitKey{
		APIKey: apiKey,
		Tenant: c.Get("X-Tenant-ID"),
	}
}
