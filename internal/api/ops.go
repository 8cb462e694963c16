package api

import (
	"github.com/routewise/gateway/internal/models"
	"github.com/routewise/gateway/internal/services/database"
	"github.com/routewise/gateway/internal/services/health"
	"github.com/routewise/gateway/internal/services/ratelimit"
	"github.com/routewise/gateway/internal/services/registry"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
)

// OpsHandler exposes the operator surface: breaker and pool introspection,
// manual breaker controls, on-demand probing and routing-config updates.
type OpsHandler struct {
	registry *registry.Registry
	checker  *health.Checker
	limiter  *ratelimit.Limiter
	store    *database.Store // nil when no database is configured
}

func NewOpsHandler(reg *registry.Registry, checker *health.Checker, limiter *ratelimit.Limiter, store *database.Store) *OpsHandler {
	return &OpsHandler{registry: reg, checker: checker, limiter: limiter, store: store}
}

// CircuitBreakers handles GET /ops/circuit-breakers.
func (h *OpsHandler) CircuitBreakers(c *fiber.Ctx) error {
	out := fiber.Map{}
	for _, rt := range h.registry.All() {
		snap := rt.Breaker.Snapshot()
		out[rt.Name] = fiber.Map{
			"status":  rt.Status(),
			"breaker": snap,
		}
	}
	return c.JSON(out)
}

// LoadBalancerStats handles GET /ops/load-balancer/stats.
func (h *OpsHandler) LoadBalancerStats(c *fiber.Ctx) error {
	runtimes := h.registry.All()
	stats := make([]any, 0, len(runtimes))
	for _, rt := range runtimes {
		stats = append(stats, rt.Group.Stats())
	}
	return c.JSON(fiber.Map{"providers": stats})
}

// HealthDashboard handles GET /ops/health-dashboard: the combined read-only
// projection of provider status, breaker counters and pool load.
func (h *OpsHandler) HealthDashboard(c *fiber.Ctx) error {
	runtimes := h.registry.All()
	providers := make([]fiber.Map, 0, len(runtimes))
	for _, rt := range runtimes {
		providers = append(providers, fiber.Map{
			"provider":      rt.Name,
			"status":        rt.Status(),
			"models":        rt.Models,
			"priority":      rt.Priority,
			"breaker":       rt.Breaker.Snapshot(),
			"load_balancer": rt.Group.Stats(),
		})
	}
	return c.JSON(fiber.Map{
		"providers": providers,
		"routing":   h.registry.Routing(),
	})
}

// ForceOpen handles POST /ops/circuit-breakers/:provider/force-open.
func (h *OpsHandler) ForceOpen(c *fiber.Ctx) error {
	provider := c.Params("provider")
	if err := h.checker.ForceOpen(provider); err != nil {
		return respondError(c, err)
	}
	fiberlog.Warnf("Ops: circuit breaker for %s forced open", provider)
	return c.JSON(fiber.Map{"provider": provider, "state": "open"})
}

// ForceClose handles POST /ops/circuit-breakers/:provider/force-close.
func (h *OpsHandler) ForceClose(c *fiber.Ctx) error {
	provider := c.Params("provider")
	if err := h.checker.ForceClose(provider); err != nil {
		return respondError(c, err)
	}
	fiberlog.Warnf("Ops: circuit breaker for %s forced closed", provider)
	return c.JSON(fiber.Map{"provider": provider, "state": "closed"})
}

// Reset handles POST /ops/circuit-breakers/:provider/reset.
func (h *OpsHandler) Reset(c *fiber.Ctx) error {
	provider := c.Params("provider")
	if err := h.checker.Reset(provider); err != nil {
		return respondError(c, err)
	}
	fiberlog.Infof("Ops: circuit breaker for %s reset", provider)
	return c.JSON(fiber.Map{"provider": provider, "state": "closed"})
}

// HealthCheck handles POST /ops/health-check: probe every provider now.
func (h *OpsHandler) HealthCheck(c *fiber.Ctx) error {
	results, err := h.checker.CheckHealth(c.Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"results": results})
}

// TestRoute handles POST /ops/test-route: one real dispatch through the
// router without touching rate-limit budgets.
func (h *OpsHandler) TestRoute(c *fiber.Ctx) error {
	var body struct {
		Model string `json:"model"`
	}
	if err := c.BodyParser(&body); err != nil {
		return respondError(c, models.NewValidationError("invalid request body", err))
	}

	resp, err := h.checker.TestRoute(c.Context(), body.Model)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(resp)
}

// UpdateChain handles PUT /ops/fallback-chain. The new chain takes effect
// for the next request; in-flight chain walks keep their snapshot.
func (h *OpsHandler) UpdateChain(c *fiber.Ctx) error {
	var chain models.FallbackChainConfig
	if err := c.BodyParser(&chain); err != nil {
		return respondError(c, models.NewValidationError("invalid request body", err))
	}
	if err := h.validateChain(chain); err != nil {
		return respondError(c, err)
	}

	h.registry.UpdateChain(chain)
	if h.store != nil {
		if err := h.store.SaveChain(chain); err != nil {
			fiberlog.Errorf("Ops: failed to persist fallback chain: %v", err)
		}
	}
	return c.JSON(chain)
}

// UpdateStrategies handles PUT /ops/strategies.
func (h *OpsHandler) UpdateStrategies(c *fiber.Ctx) error {
	var strategies []models.RoutingStrategy
	if err := c.BodyParser(&strategies); err != nil {
		return respondError(c, models.NewValidationError("invalid request body", err))
	}

	h.registry.UpdateStrategies(strategies)
	if h.store != nil {
		for _, strategy := range strategies {
			if err := h.store.SaveStrategy(strategy); err != nil {
				fiberlog.Errorf("Ops: failed to persist strategy %s: %v", strategy.Name, err)
			}
		}
	}
	return c.JSON(fiber.Map{"strategies": strategies})
}

// UpdateTiers handles PUT /ops/rate-limit/tiers. The staged table becomes
// effective at the next window boundary, never mid-window.
func (h *OpsHandler) UpdateTiers(c *fiber.Ctx) error {
	var cfg models.RateLimitConfig
	if err := c.BodyParser(&cfg); err != nil {
		return respondError(c, models.NewValidationError("invalid request body", err))
	}

	h.limiter.UpdateTiers(cfg)
	if h.store != nil {
		for _, tier := range cfg.Tiers {
			if err := h.store.SaveTier(tier); err != nil {
				fiberlog.Errorf("Ops: failed to persist tier %s: %v", tier.Name, err)
			}
		}
		for key, tierName := range cfg.KeyTiers {
			if err := h.store.SaveTierBinding("key", key, tierName); err != nil {
				fiberlog.Errorf("Ops: failed to persist key binding %s: %v", key, err)
			}
		}
		for tenant, tierName := range cfg.TenantTiers {
			if err := h.store.SaveTierBinding("tenant", tenant, tierName); err != nil {
				fiberlog.Errorf("Ops: failed to persist tenant binding %s: %v", tenant, err)
			}
		}
	}
	return c.JSON(cfg)
}

func (h *OpsHandler) validateChain(chain models.FallbackChainConfig) error {
	if chain.DefaultProvider == "" {
		return models.NewValidationError("default_provider is required", nil)
	}
	if _, ok := h.registry.Provider(chain.DefaultProvider); !ok {
		return models.NewNotFoundError("provider", chain.DefaultProvider)
	}
	seen := map[string]bool{}
	for _, name := range chain.Chain {
		if _, ok := h.registry.Provider(name); !ok {
			return models.NewNotFoundError("provider", name)
		}
		if seen[name] {
			return models.NewValidationError("chain repeats provider "+name, nil)
		}
		seen[name] = true
	}
	return nil
}
