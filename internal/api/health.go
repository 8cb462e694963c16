package api

import (
	"context"
	"time"

	"github.com/routewise/gateway/internal/services/registry"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// HealthHandler handles liveness and readiness requests.
type HealthHandler struct {
	registry    *registry.Registry
	redisClient *redis.Client
}

func NewHealthHandler(reg *registry.Registry, redisClient *redis.Client) *HealthHandler {
	return &HealthHandler{registry: reg, redisClient: redisClient}
}

// HealthCheck returns the health status of the service and its dependencies.
// The gateway is degraded when Redis is unreachable or no provider is active.
func (h *HealthHandler) HealthCheck(c *fiber.Ctx) error {
	redisStatus := h.checkRedis()

	providerStatuses := fiber.Map{}
	anyActive := false
	for _, rt := range h.registry.All() {
		status := rt.Status()
		providerStatuses[rt.Name] = string(status)
		if rt.Group.IsHealthy() {
			anyActive = true
		}
	}

	overallStatus := "healthy"
	statusCode := fiber.StatusOK
	if redisStatus != "healthy" || !anyActive {
		overallStatus = "degraded"
		statusCode = fiber.StatusServiceUnavailable
	}

	return c.Status(statusCode).JSON(fiber.Map{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks": fiber.Map{
			"redis":     redisStatus,
			"providers": providerStatuses,
		},
	})
}

func (h *HealthHandler) checkRedis() string {
	if h.redisClient == nil {
		return "unknown"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := h.redisClient.Ping(ctx).Err(); err != nil {
		return "unhealthy"
	}
	return "healthy"
}
