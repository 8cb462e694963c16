package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/routewise/gateway/internal/models"
	"github.com/routewise/gateway/internal/services/circuitbreaker"
	"github.com/routewise/gateway/internal/services/loadbalancer"
	"github.com/routewise/gateway/internal/services/providers"
	"github.com/routewise/gateway/internal/services/registry"
	"github.com/routewise/gateway/internal/services/router"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	name  string
	err   error
	calls atomic.Int64
}

func (f *fakeDispatcher) Name() string { return f.name }

func (f *fakeDispatcher) Dispatch(ctx context.Context, baseURL string, req *providers.Request) (*providers.Response, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &providers.Response{
		Provider: f.name,
		Model:    req.Model,
		Content:  "pong",
	}, nil
}

func newRuntime(name string, dispatcher providers.Dispatcher) *registry.ProviderRuntime {
	cfg := models.ProviderConfig{
		Kind:   models.ProviderKindOpenAI,
		APIKey: "test-key",
		Models: []string{name + "-model"},
	}
	breaker := circuitbreaker.New(name, circuitbreaker.Config{
		FailureThreshold:   3,
		Cooldown:           circuitbreaker.DefaultConfig().Cooldown,
		HalfOpenTrialCount: 1,
	}, nil)
	return &registry.ProviderRuntime{
		Name:       name,
		Models:     cfg.Models,
		Breaker:    breaker,
		Group:      loadbalancer.New(name, cfg, breaker),
		Dispatcher: dispatcher,
	}
}

func newChecker(runtimes ...*registry.ProviderRuntime) *Checker {
	names := make([]string, 0, len(runtimes))
	for _, rt := range runtimes {
		names = append(names, rt.Name)
	}
	chain := models.FallbackChainConfig{
		Enabled:         true,
		DefaultProvider: names[0],
		Chain:           names,
	}
	reg := registry.New(runtimes, chain, nil)
	return New(reg, router.New(reg), models.HealthConfig{})
}

func TestCheckHealthReportsHealthyProvider(t *testing.T) {
	dispatcher := &fakeDispatcher{name: "openai"}
	rt := newRuntime("openai", dispatcher)
	checker := newChecker(rt)

	results, err := checker.CheckHealth(context.Background())
	require.NoError(t, err)

	res, ok := results["openai"]
	require.True(t, ok)
	assert.True(t, res.Healthy)
	assert.Empty(t, res.Error)
	assert.Equal(t, models.ProviderStatusActive, res.Status)
	assert.Equal(t, int64(1), dispatcher.calls.Load())
}

func TestCheckHealthProbesAllProviders(t *testing.T) {
	first := &fakeDispatcher{name: "openai"}
	second := &fakeDispatcher{name: "anthropic", err: errors.New("upstream 500")}
	checker := newChecker(newRuntime("openai", first), newRuntime("anthropic", second))

	results, err := checker.CheckHealth(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.True(t, results["openai"].Healthy)
	assert.False(t, results["anthropic"].Healthy)
	assert.Contains(t, results["anthropic"].Error, "upstream 500")
}

func TestProbeFailureFeedsBreaker(t *testing.T) {
	dispatcher := &fakeDispatcher{name: "openai", err: errors.New("connection refused")}
	rt := newRuntime("openai", dispatcher)
	checker := newChecker(rt)

	for i := 0; i < 3; i++ {
		_, err := checker.CheckHealth(context.Background())
		require.NoError(t, err)
	}

	assert.Equal(t, circuitbreaker.Open, rt.Breaker.State())
}

func TestProbeSkipsOpenBreakerWithoutRejectionCount(t *testing.T) {
	dispatcher := &fakeDispatcher{name: "openai"}
	rt := newRuntime("openai", dispatcher)
	rt.Breaker.ForceOpen()
	checker := newChecker(rt)

	results, err := checker.CheckHealth(context.Background())
	require.NoError(t, err)

	res := results["openai"]
	assert.False(t, res.Healthy)
	assert.Equal(t, "circuit breaker open", res.Error)
	assert.Equal(t, models.ProviderStatusInactive, res.Status)
	assert.Equal(t, int64(0), dispatcher.calls.Load())

	// Probe refusals are not live traffic.
	assert.Equal(t, uint64(0), rt.Breaker.Snapshot().RejectedRequests)
}

func TestProbeRecoveryRestoresMemberHealth(t *testing.T) {
	dispatcher := &fakeDispatcher{name: "openai", err: errors.New("timeout")}
	rt := newRuntime("openai", dispatcher)
	checker := newChecker(rt)

	_, err := checker.CheckHealth(context.Background())
	require.NoError(t, err)
	assert.False(t, rt.Group.IsHealthy())

	dispatcher.err = nil
	_, err = checker.CheckHealth(context.Background())
	require.NoError(t, err)
	assert.True(t, rt.Group.IsHealthy())
}

func TestTestRouteDispatchesThroughRouter(t *testing.T) {
	dispatcher := &fakeDispatcher{name: "openai"}
	checker := newChecker(newRuntime("openai", dispatcher))

	resp, err := checker.TestRoute(context.Background(), "openai-model")
	require.NoError(t, err)
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, int64(1), dispatcher.calls.Load())
}

func TestForceOpenAndCloseByName(t *testing.T) {
	rt := newRuntime("openai", &fakeDispatcher{name: "openai"})
	checker := newChecker(rt)

	require.NoError(t, checker.ForceOpen("openai"))
	assert.Equal(t, circuitbreaker.Open, rt.Breaker.State())

	require.NoError(t, checker.ForceClose("openai"))
	assert.Equal(t, circuitbreaker.Closed, rt.Breaker.State())
}

func TestResetZeroesBreakerByName(t *testing.T) {
	dispatcher := &fakeDispatcher{name: "openai", err: errors.New("boom")}
	rt := newRuntime("openai", dispatcher)
	checker := newChecker(rt)

	_, err := checker.CheckHealth(context.Background())
	require.NoError(t, err)
	require.NotZero(t, rt.Breaker.Snapshot().FailureCount)

	require.NoError(t, checker.Reset("openai"))
	assert.Zero(t, rt.Breaker.Snapshot().FailureCount)
}

func TestManualOpsRejectUnknownProvider(t *testing.T) {
	checker := newChecker(newRuntime("openai", &fakeDispatcher{name: "openai"}))

	for _, err := range []error{
		checker.ForceOpen("mistral"),
		checker.ForceClose("mistral"),
		checker.Reset("mistral"),
	} {
		var appErr *models.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, models.ErrorTypeNotFound, appErr.Type)
	}
}
