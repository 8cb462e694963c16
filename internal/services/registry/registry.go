package registry

import (
	"sort"
	"sync/atomic"

	"github.com/routewise/gateway/internal/models"
	"github.com/routewise/gateway/internal/services/alerts"
	"github.com/routewise/gateway/internal/services/circuitbreaker"
	"github.com/routewise/gateway/internal/services/loadbalancer"
	"github.com/routewise/gateway/internal/services/providers"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// ProviderRuntime bundles the per-provider shared state: the breaker, the
// weighted pool and the transport. Instances are created at startup and never
// replaced, so lookups need no locking.
type ProviderRuntime struct {
	Name       string
	Models     []string
	Priority   int
	Breaker    *circuitbreaker.CircuitBreaker
	Group      *loadbalancer.Group
	Dispatcher providers.Dispatcher
}

// SupportsModel reports whether the provider serves the given model.
func (p *ProviderRuntime) SupportsModel(model string) bool {
	for _, m := range p.Models {
		if m == model {
			return true
		}
	}
	return false
}

// Status derives the operator-facing provider status from the breaker state.
func (p *ProviderRuntime) Status() models.ProviderStatus {
	switch p.Breaker.State() {
	case circuitbreaker.Open:
		return models.ProviderStatusInactive
	case circuitbreaker.HalfOpen:
		return models.ProviderStatusDegraded
	default:
		return models.ProviderStatusActive
	}
}

// RoutingSnapshot is the immutable routing configuration read on every
// request. Admin updates build a replacement and swap the pointer, so an
// in-flight request never observes a half-updated chain.
type RoutingSnapshot struct {
	Chain      models.FallbackChainConfig `json:"chain"`
	Strategies []models.RoutingStrategy   `json:"strategies,omitzero"`
}

// Registry is the immutable provider table built at startup plus the
// swappable routing snapshot.
type Registry struct {
	providers map[string]*ProviderRuntime
	order     []string

	routing atomic.Pointer[RoutingSnapshot]
}

// New assembles a registry from pre-built runtimes. The routing snapshot
// starts from chain; strategies may be nil.
func New(runtimes []*ProviderRuntime, chain models.FallbackChainConfig, strategies []models.RoutingStrategy) *Registry {
	r := &Registry{
		providers: make(map[string]*ProviderRuntime, len(runtimes)),
		order:     make([]string, 0, len(runtimes)),
	}
	for _, rt := range runtimes {
		r.providers[rt.Name] = rt
		r.order = append(r.order, rt.Name)
	}
	// Name breaks priority ties so All() is stable even when runtimes come
	// out of a map.
	sort.SliceStable(r.order, func(i, j int) bool {
		pi, pj := r.providers[r.order[i]], r.providers[r.order[j]]
		if pi.Priority != pj.Priority {
			return pi.Priority < pj.Priority
		}
		return pi.Name < pj.Name
	})
	r.routing.Store(&RoutingSnapshot{Chain: chain, Strategies: strategies})
	return r
}

// Build constructs the provider runtimes from configuration, wiring breaker
// state changes onto the alerts bus.
func Build(providerConfigs map[string]models.ProviderConfig, chain models.FallbackChainConfig, strategies []models.RoutingStrategy, bus *alerts.Bus) (*Registry, error) {
	onChange := func(provider string, from, to circuitbreaker.State) {
		if bus == nil {
			return
		}
		bus.Publish(alerts.Event{
			Type:      alerts.EventBreakerStateChanged,
			Provider:  provider,
			FromState: from.String(),
			ToState:   to.String(),
		})
	}

	runtimes := make([]*ProviderRuntime, 0, len(providerConfigs))
	for name, cfg := range providerConfigs {
		dispatcher, err := providers.New(name, cfg)
		if err != nil {
			return nil, err
		}

		breaker := circuitbreaker.New(name, circuitbreaker.ConfigFromModel(cfg.CircuitBreaker), onChange)
		group := loadbalancer.New(name, cfg, breaker)

		runtimes = append(runtimes, &ProviderRuntime{
			Name:       name,
			Models:     cfg.Models,
			Priority:   cfg.Priority,
			Breaker:    breaker,
			Group:      group,
			Dispatcher: dispatcher,
		})
		fiberlog.Debugf("Registry: registered provider %s (%d models, priority %d)", name, len(cfg.Models), cfg.Priority)
	}

	return New(runtimes, chain, strategies), nil
}

// Provider looks up a runtime by name.
func (r *Registry) Provider(name string) (*ProviderRuntime, bool) {
	rt, ok := r.providers[name]
	return rt, ok
}

// All returns the runtimes in priority order.
func (r *Registry) All() []*ProviderRuntime {
	out := make([]*ProviderRuntime, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.providers[name])
	}
	return out
}

// Routing returns the current routing snapshot.
func (r *Registry) Routing() *RoutingSnapshot {
	return r.routing.Load()
}

// UpdateChain swaps in a new fallback chain, keeping the strategies.
func (r *Registry) UpdateChain(chain models.FallbackChainConfig) {
	old := r.routing.Load()
	r.routing.Store(&RoutingSnapshot{Chain: chain, Strategies: old.Strategies})
	fiberlog.Infof("Registry: fallback chain updated (default %s, %d entries)", chain.DefaultProvider, len(chain.Chain))
}

// UpdateStrategies swaps in new routing strategies, keeping the chain.
func (r *Registry) UpdateStrategies(strategies []models.RoutingStrategy) {
	old := r.routing.Load()
	r.routing.Store(&RoutingSnapshot{Chain: old.Chain, Strategies: strategies})
	fiberlog.Infof("Registry: routing strategies updated (%d entries)", len(strategies))
}
