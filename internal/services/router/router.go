package router

import (
	"context"
	"errors"
	"time"

	"github.com/routewise/gateway/internal/models"
	"github.com/routewise/gateway/internal/services/loadbalancer"
	"github.com/routewise/gateway/internal/services/providers"
	"github.com/routewise/gateway/internal/services/registry"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// Router walks the configured fallback chain for one request: primary
// provider first, then each chain entry in order, skipping providers whose
// breaker is open. Candidates are always tried strictly sequentially; cost
// and latency accounting depend on that.
type Router struct {
	registry *registry.Registry
}

func New(reg *registry.Registry) *Router {
	return &Router{registry: reg}
}

// Route produces a successful upstream response or an aggregated failure
// after exhausting the chain. Intermediate per-candidate failures are
// recorded into breaker and load balancer state, never surfaced
// individually.
func (r *Router) Route(ctx context.Context, req *providers.Request, requestID string) (*providers.Response, error) {
	snapshot := r.registry.Routing()

	if !snapshot.Chain.Enabled {
		return r.routeDirect(ctx, snapshot, req, requestID)
	}

	candidates := r.candidates(snapshot.Chain)
	fiberlog.Infof("[%s] routing %s across %d candidates", requestID, req.Model, len(candidates))

	attempts := make([]models.ProviderAttempt, 0, len(candidates))
	for _, name := range candidates {
		if ctx.Err() != nil {
			attempts = append(attempts, models.ProviderAttempt{Provider: name, Reason: ctx.Err().Error()})
			break
		}

		resp, attempt := r.tryCandidate(ctx, snapshot, name, req, requestID)
		if resp != nil {
			fiberlog.Infof("[%s] provider %s succeeded in %.0fms", requestID, name, resp.LatencyMs)
			return resp, nil
		}
		attempts = append(attempts, *attempt)
	}

	fiberlog.Errorf("[%s] all %d candidates exhausted", requestID, len(attempts))
	return nil, models.NewAllProvidersFailedError(attempts)
}

// routeDirect handles the fallback-disabled edge case: only the default
// provider is tried and its raw error is surfaced without wrapping.
func (r *Router) routeDirect(ctx context.Context, snapshot *registry.RoutingSnapshot, req *providers.Request, requestID string) (*providers.Response, error) {
	name := snapshot.Chain.DefaultProvider
	rt, ok := r.registry.Provider(name)
	if !ok {
		return nil, models.NewNotFoundError("provider", name)
	}

	if !rt.Breaker.Allow(true) {
		return nil, models.NewProviderUnavailableError(name, "circuit breaker open")
	}

	member, err := rt.Group.Pick()
	if err != nil {
		rt.Breaker.ReleaseTrial()
		return nil, err
	}

	resp, err := r.dispatch(ctx, snapshot, rt, member, req, requestID)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// candidates resolves the ordered candidate list: default provider first,
// then the chain, deduplicated and capped at max_retries + 1 attempts.
func (r *Router) candidates(chain models.FallbackChainConfig) []string {
	seen := make(map[string]bool, len(chain.Chain)+1)
	out := make([]string, 0, len(chain.Chain)+1)

	for _, name := range append([]string{chain.DefaultProvider}, chain.Chain...) {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}

	if chain.MaxRetries > 0 && len(out) > chain.MaxRetries+1 {
		out = out[:chain.MaxRetries+1]
	}
	return out
}

// tryCandidate attempts one provider. It returns either a response or the
// attempt record explaining why this candidate did not produce one.
func (r *Router) tryCandidate(ctx context.Context, snapshot *registry.RoutingSnapshot, name string, req *providers.Request, requestID string) (*providers.Response, *models.ProviderAttempt) {
	rt, ok := r.registry.Provider(name)
	if !ok {
		fiberlog.Warnf("[%s] chain references unknown provider %s", requestID, name)
		return nil, &models.ProviderAttempt{Provider: name, Reason: "unknown provider"}
	}

	if !rt.Breaker.Allow(true) {
		fiberlog.Infof("[%s] skipping %s: circuit breaker open", requestID, name)
		return nil, &models.ProviderAttempt{Provider: name, Reason: "circuit breaker open"}
	}

	member, err := rt.Group.Pick()
	if err != nil {
		// The admitted attempt never reaches dispatch; hand a HalfOpen
		// trial back so the budget only tracks real outcomes.
		rt.Breaker.ReleaseTrial()
		fiberlog.Infof("[%s] skipping %s: no healthy member", requestID, name)
		return nil, &models.ProviderAttempt{Provider: name, Reason: "no healthy member"}
	}

	resp, err := r.dispatch(ctx, snapshot, rt, member, req, requestID)
	if err != nil {
		return nil, &models.ProviderAttempt{Provider: name, Reason: failureReason(err)}
	}
	return resp, nil
}

// dispatch performs one upstream call and feeds the outcome into breaker and
// load balancer accounting. A canceled or timed-out call counts as a
// failure.
func (r *Router) dispatch(ctx context.Context, snapshot *registry.RoutingSnapshot, rt *registry.ProviderRuntime, member *loadbalancer.Member, req *providers.Request, requestID string) (*providers.Response, error) {
	dispatchReq := *req
	dispatchReq.Model = r.resolveModel(snapshot, rt, req.Model)

	rt.Group.RecordStart(member)
	start := time.Now()
	resp, err := rt.Dispatcher.Dispatch(ctx, member.BaseURL(), &dispatchReq)
	latencyMs := float64(time.Since(start).Milliseconds())
	rt.Group.RecordEnd(member, err == nil, latencyMs)

	if err != nil {
		rt.Breaker.RecordFailure()
		fiberlog.Warnf("[%s] provider %s failed after %.0fms: %v", requestID, rt.Name, latencyMs, err)
		return nil, err
	}

	rt.Breaker.RecordSuccess()
	resp.LatencyMs = latencyMs
	return resp, nil
}

// resolveModel maps the requested model onto one the provider serves. An
// enabled routing strategy acts as a pre-filter: its priority order decides
// the substitute model before falling back to the provider's own ordering.
// Strategies come from the snapshot captured at the top of the request so a
// concurrent config update cannot change resolution mid-chain.
func (r *Router) resolveModel(snapshot *registry.RoutingSnapshot, rt *registry.ProviderRuntime, requested string) string {
	if requested != "" && rt.SupportsModel(requested) {
		return requested
	}

	for _, strategy := range snapshot.Strategies {
		if !strategy.Enabled {
			continue
		}
		for _, model := range strategy.PriorityOrder {
			if rt.SupportsModel(model) {
				return model
			}
		}
	}

	if len(rt.Models) > 0 {
		return rt.Models[0]
	}
	return requested
}

func failureReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "dispatch timeout: " + err.Error()
	}
	if errors.Is(err, context.Canceled) {
		return "dispatch canceled: " + err.Error()
	}
	return err.Error()
}
