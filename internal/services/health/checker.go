package health

import (
	"context"
	"time"

	"github.com/routewise/gateway/internal/models"
	"github.com/routewise/gateway/internal/services/providers"
	"github.com/routewise/gateway/internal/services/registry"
	"github.com/routewise/gateway/internal/services/router"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultInterval     = 30 * time.Second
	defaultProbeTimeout = 10 * time.Second
	probePrompt         = "ping"
)

// ProbeResult is the outcome of one synthetic probe.
type ProbeResult struct {
	Provider  string                `json:"provider"`
	Healthy   bool                  `json:"healthy"`
	LatencyMs float64               `json:"latency_ms"`
	Status    models.ProviderStatus `json:"status"`
	Error     string                `json:"error,omitzero"`
}

// Checker runs periodic synthetic probes per provider and exposes the manual
// operator hooks. Probe outcomes flow through the same breaker and load
// balancer accounting as live traffic, but never touch rejected_requests.
type Checker struct {
	registry     *registry.Registry
	router       *router.Router
	interval     time.Duration
	probeTimeout time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func New(reg *registry.Registry, r *router.Router, cfg models.HealthConfig) *Checker {
	interval := defaultInterval
	if cfg.IntervalMs > 0 {
		interval = time.Duration(cfg.IntervalMs) * time.Millisecond
	}
	probeTimeout := defaultProbeTimeout
	if cfg.ProbeTimeoutMs > 0 {
		probeTimeout = time.Duration(cfg.ProbeTimeoutMs) * time.Millisecond
	}
	return &Checker{
		registry:     reg,
		router:       r,
		interval:     interval,
		probeTimeout: probeTimeout,
	}
}

// Start launches the periodic prober. Probes run on their own schedule and
// never block live request routing.
func (c *Checker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		fiberlog.Infof("HealthChecker: probing every %v", c.interval)
		for {
			select {
			case <-ticker.C:
				_, _ = c.CheckHealth(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the periodic prober and waits for it to exit.
func (c *Checker) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

// CheckHealth probes all providers now and returns a snapshot keyed by
// provider name.
func (c *Checker) CheckHealth(ctx context.Context) (map[string]ProbeResult, error) {
	runtimes := c.registry.All()
	results := make([]ProbeResult, len(runtimes))

	g, gctx := errgroup.WithContext(ctx)
	for i, rt := range runtimes {
		g.Go(func() error {
			results[i] = c.probe(gctx, rt)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snapshot := make(map[string]ProbeResult, len(results))
	for _, res := range results {
		snapshot[res.Provider] = res
	}
	return snapshot, nil
}

// probe issues one synthetic request per pool member and records the
// outcomes into the shared breaker and load balancer state. Every member is
// probed, including ones currently marked unhealthy, so a recovered endpoint
// comes back into rotation.
func (c *Checker) probe(ctx context.Context, rt *registry.ProviderRuntime) ProbeResult {
	result := ProbeResult{Provider: rt.Name}

	// A probe is not live traffic: a refusal while Open must not bump
	// rejected_requests.
	if !rt.Breaker.Allow(false) {
		result.Status = rt.Status()
		result.Error = "circuit breaker open"
		return result
	}

	model := ""
	if len(rt.Models) > 0 {
		model = rt.Models[0]
	}

	var lastErr error
	for _, member := range rt.Group.Members() {
		probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)

		rt.Group.RecordStart(member)
		start := time.Now()
		_, err := rt.Dispatcher.Dispatch(probeCtx, member.BaseURL(), &providers.Request{
			Model:     model,
			Prompt:    probePrompt,
			MaxTokens: 1,
		})
		cancel()
		latencyMs := float64(time.Since(start).Milliseconds())
		rt.Group.RecordEnd(member, err == nil, latencyMs)
		rt.Group.RecordProbe(member.Name(), err == nil)

		if err != nil {
			rt.Breaker.RecordFailure()
			lastErr = err
			fiberlog.Warnf("HealthChecker: probe failed for %s/%s in %.0fms: %v", rt.Name, member.Name(), latencyMs, err)
		} else {
			rt.Breaker.RecordSuccess()
			result.Healthy = true
			result.LatencyMs = latencyMs
		}
	}

	if !result.Healthy && lastErr != nil {
		result.Error = lastErr.Error()
	}
	result.Status = rt.Status()
	return result
}

// TestRoute attempts one real dispatch through the full router path without
// consuming rate-limit budget, for operator diagnostics.
func (c *Checker) TestRoute(ctx context.Context, model string) (*providers.Response, error) {
	requestID := "test-route-" + uuid.NewString()
	fiberlog.Infof("[%s] operator test route for model %s", requestID, model)
	return c.router.Route(ctx, &providers.Request{
		Model:     model,
		Prompt:    probePrompt,
		MaxTokens: 1,
	}, requestID)
}

// ForceOpen opens a provider's breaker by name.
func (c *Checker) ForceOpen(provider string) error {
	rt, ok := c.registry.Provider(provider)
	if !ok {
		return models.NewNotFoundError("provider", provider)
	}
	rt.Breaker.ForceOpen()
	return nil
}

// ForceClose closes a provider's breaker by name.
func (c *Checker) ForceClose(provider string) error {
	rt, ok := c.registry.Provider(provider)
	if !ok {
		return models.NewNotFoundError("provider", provider)
	}
	rt.Breaker.ForceClose()
	return nil
}

// Reset zeroes a provider's breaker by name.
func (c *Checker) Reset(provider string) error {
	rt, ok := c.registry.Provider(provider)
	if !ok {
		return models.NewNotFoundError("provider", provider)
	}
	rt.Breaker.Reset()
	return nil
}
