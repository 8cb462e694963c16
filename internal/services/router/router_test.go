package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/routewise/gateway/internal/models"
	"github.com/routewise/gateway/internal/services/circuitbreaker"
	"github.com/routewise/gateway/internal/services/loadbalancer"
	"github.com/routewise/gateway/internal/services/providers"
	"github.com/routewise/gateway/internal/services/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDispatcher records dispatch order and fails on demand.
type fakeDispatcher struct {
	name string
	err  error

	mu       sync.Mutex
	calls    int
	inFlight int
	overlap  bool
	order    *callLog
}

type callLog struct {
	mu    sync.Mutex
	names []string
}

func (l *callLog) record(name string) {
	l.mu.Lock()
	l.names = append(l.names, name)
	l.mu.Unlock()
}

func (d *fakeDispatcher) Name() string { return d.name }

func (d *fakeDispatcher) Dispatch(ctx context.Context, baseURL string, req *providers.Request) (*providers.Response, error) {
	d.mu.Lock()
	d.calls++
	d.inFlight++
	if d.inFlight > 1 {
		d.overlap = true
	}
	d.mu.Unlock()

	if d.order != nil {
		d.order.record(d.name)
	}

	defer func() {
		d.mu.Lock()
		d.inFlight--
		d.mu.Unlock()
	}()

	if d.err != nil {
		return nil, d.err
	}
	return &providers.Response{Provider: d.name, Model: req.Model, Content: "ok"}, nil
}

func (d *fakeDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func newRuntime(name string, dispatcher providers.Dispatcher, modelNames ...string) *registry.ProviderRuntime {
	breaker := circuitbreaker.New(name, circuitbreaker.Config{
		FailureThreshold:   3,
		Cooldown:           time.Minute,
		HalfOpenTrialCount: 2,
	}, nil)
	group := loadbalancer.New(name, models.ProviderConfig{}, breaker)
	return &registry.ProviderRuntime{
		Name:       name,
		Models:     modelNames,
		Breaker:    breaker,
		Group:      group,
		Dispatcher: dispatcher,
	}
}

func chainConfig(defaultProvider string, chain ...string) models.FallbackChainConfig {
	return models.FallbackChainConfig{
		Enabled:         true,
		DefaultProvider: defaultProvider,
		Chain:           chain,
		MaxRetries:      5,
	}
}

func TestRouteSuccessStopsChain(t *testing.T) {
	log := &callLog{}
	primary := &fakeDispatcher{name: "openai", order: log}
	backup := &fakeDispatcher{name: "anthropic", order: log}

	reg := registry.New([]*registry.ProviderRuntime{
		newRuntime("openai", primary, "gpt-4o"),
		newRuntime("anthropic", backup, "claude-sonnet-4"),
	}, chainConfig("openai", "anthropic"), nil)

	resp, err := New(reg).Route(context.Background(), &providers.Request{Model: "gpt-4o", Prompt: "hi"}, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, []string{"openai"}, log.names, "no further candidates after success")
	assert.Zero(t, backup.callCount())
}

func TestRouteSkipsOpenBreaker(t *testing.T) {
	// chain = [openai, anthropic, google], openai open, anthropic healthy:
	// dispatch goes to anthropic only.
	log := &callLog{}
	openaiFake := &fakeDispatcher{name: "openai", order: log}
	anthropicFake := &fakeDispatcher{name: "anthropic", order: log}
	googleFake := &fakeDispatcher{name: "google", order: log}

	openaiRT := newRuntime("openai", openaiFake, "gpt-4o")
	reg := registry.New([]*registry.ProviderRuntime{
		openaiRT,
		newRuntime("anthropic", anthropicFake, "claude-sonnet-4"),
		newRuntime("google", googleFake, "gemini-pro"),
	}, chainConfig("openai", "anthropic", "google"), nil)

	openaiRT.Breaker.ForceOpen()

	resp, err := New(reg).Route(context.Background(), &providers.Request{Model: "claude-sonnet-4", Prompt: "hi"}, "req-2")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", resp.Provider)
	assert.Equal(t, []string{"anthropic"}, log.names)
	assert.Zero(t, openaiFake.callCount(), "open breaker must short-circuit without dispatch")
	assert.Zero(t, googleFake.callCount())
}

func TestRouteAllProvidersFailed(t *testing.T) {
	// All three chain providers fail: the aggregate error lists exactly
	// three entries, each with its own reason, in chain order.
	log := &callLog{}
	reg := registry.New([]*registry.ProviderRuntime{
		newRuntime("openai", &fakeDispatcher{name: "openai", err: errors.New("http 500"), order: log}, "gpt-4o"),
		newRuntime("anthropic", &fakeDispatcher{name: "anthropic", err: errors.New("http 529"), order: log}, "claude-sonnet-4"),
		newRuntime("google", &fakeDispatcher{name: "google", err: errors.New("connection reset"), order: log}, "gemini-pro"),
	}, chainConfig("openai", "anthropic", "google"), nil)

	_, err := New(reg).Route(context.Background(), &providers.Request{Model: "gpt-4o", Prompt: "hi"}, "req-3")
	require.Error(t, err)

	var appErr *models.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, models.ErrorTypeAllProvidersFailed, appErr.Type)
	require.Len(t, appErr.Attempts, 3)
	assert.Equal(t, "openai", appErr.Attempts[0].Provider)
	assert.Equal(t, "http 500", appErr.Attempts[0].Reason)
	assert.Equal(t, "anthropic", appErr.Attempts[1].Provider)
	assert.Equal(t, "http 529", appErr.Attempts[1].Reason)
	assert.Equal(t, "google", appErr.Attempts[2].Provider)
	assert.Equal(t, "connection reset", appErr.Attempts[2].Reason)

	assert.Equal(t, []string{"openai", "anthropic", "google"}, log.names, "chain order preserved")
}

func TestRouteBreakerOpensAfterThresholdAndShortCircuits(t *testing.T) {
	// threshold=3: three failed dispatches open the breaker, the fourth
	// attempt is short-circuited with no dispatch call.
	failing := &fakeDispatcher{name: "openai", err: errors.New("http 500")}
	rt := newRuntime("openai", failing, "gpt-4o")
	reg := registry.New([]*registry.ProviderRuntime{rt}, chainConfig("openai"), nil)
	r := New(reg)

	for range 3 {
		_, err := r.Route(context.Background(), &providers.Request{Model: "gpt-4o", Prompt: "hi"}, "req-4")
		require.Error(t, err)
	}
	require.Equal(t, 3, failing.callCount())
	require.Equal(t, circuitbreaker.Open, rt.Breaker.State())

	_, err := r.Route(context.Background(), &providers.Request{Model: "gpt-4o", Prompt: "hi"}, "req-4")
	require.Error(t, err)
	assert.Equal(t, 3, failing.callCount(), "4th attempt must not dispatch")
	assert.Equal(t, uint64(1), rt.Breaker.Snapshot().RejectedRequests)
}

func TestRouteSequentialNeverConcurrent(t *testing.T) {
	fakes := []*fakeDispatcher{
		{name: "openai", err: errors.New("boom")},
		{name: "anthropic", err: errors.New("boom")},
		{name: "google"},
	}
	reg := registry.New([]*registry.ProviderRuntime{
		newRuntime("openai", fakes[0], "gpt-4o"),
		newRuntime("anthropic", fakes[1], "claude-sonnet-4"),
		newRuntime("google", fakes[2], "gemini-pro"),
	}, chainConfig("openai", "anthropic", "google"), nil)
	r := New(reg)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Route(context.Background(), &providers.Request{Model: "gpt-4o", Prompt: "hi"}, "req-5")
		}()
	}
	wg.Wait()

	// Many requests may overlap on one provider, but a single request never
	// fans out; overlap within one fake comes only from distinct requests.
	for _, f := range fakes {
		assert.NotZero(t, f.callCount())
	}
}

func TestRouteDeduplicatesAndCaps(t *testing.T) {
	log := &callLog{}
	reg := registry.New([]*registry.ProviderRuntime{
		newRuntime("openai", &fakeDispatcher{name: "openai", err: errors.New("down"), order: log}, "gpt-4o"),
		newRuntime("anthropic", &fakeDispatcher{name: "anthropic", err: errors.New("down"), order: log}, "claude-sonnet-4"),
		newRuntime("google", &fakeDispatcher{name: "google", err: errors.New("down"), order: log}, "gemini-pro"),
	}, models.FallbackChainConfig{
		Enabled:         true,
		DefaultProvider: "openai",
		Chain:           []string{"openai", "anthropic", "google"},
		MaxRetries:      1,
	}, nil)

	_, err := New(reg).Route(context.Background(), &providers.Request{Model: "gpt-4o", Prompt: "hi"}, "req-6")
	require.Error(t, err)

	// Duplicate default is collapsed; max_retries+1 = 2 attempts.
	assert.Equal(t, []string{"openai", "anthropic"}, log.names)
}

func TestRouteFallbackDisabledSurfacesRawError(t *testing.T) {
	rawErr := errors.New("upstream exploded")
	backup := &fakeDispatcher{name: "anthropic"}
	reg := registry.New([]*registry.ProviderRuntime{
		newRuntime("openai", &fakeDispatcher{name: "openai", err: rawErr}, "gpt-4o"),
		newRuntime("anthropic", backup, "claude-sonnet-4"),
	}, models.FallbackChainConfig{
		Enabled:         false,
		DefaultProvider: "openai",
		Chain:           []string{"anthropic"},
	}, nil)

	_, err := New(reg).Route(context.Background(), &providers.Request{Model: "gpt-4o", Prompt: "hi"}, "req-7")
	assert.ErrorIs(t, err, rawErr, "raw error must surface unwrapped")
	assert.Zero(t, backup.callCount(), "chain must not be walked when fallback is disabled")
}

func TestRouteNoHealthyMemberAdvancesChain(t *testing.T) {
	primaryRT := newRuntime("openai", &fakeDispatcher{name: "openai"}, "gpt-4o")
	primaryRT.Group.RecordProbe("openai", false)

	backup := &fakeDispatcher{name: "anthropic"}
	reg := registry.New([]*registry.ProviderRuntime{
		primaryRT,
		newRuntime("anthropic", backup, "claude-sonnet-4"),
	}, chainConfig("openai", "anthropic"), nil)

	resp, err := New(reg).Route(context.Background(), &providers.Request{Model: "gpt-4o", Prompt: "hi"}, "req-8")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", resp.Provider)
}

func TestRouteEmptyPoolDoesNotConsumeTrialBudget(t *testing.T) {
	// A half-open admission that finds no healthy member never reaches
	// dispatch; it must be handed back, or a provider whose whole pool is
	// down drains the trial budget and the breaker can never re-close.
	fake := &fakeDispatcher{name: "openai"}
	breaker := circuitbreaker.New("openai", circuitbreaker.Config{
		FailureThreshold:   1,
		Cooldown:           5 * time.Millisecond,
		HalfOpenTrialCount: 2,
	}, nil)
	group := loadbalancer.New("openai", models.ProviderConfig{}, breaker)
	rt := &registry.ProviderRuntime{
		Name:       "openai",
		Models:     []string{"gpt-4o"},
		Breaker:    breaker,
		Group:      group,
		Dispatcher: fake,
	}
	reg := registry.New([]*registry.ProviderRuntime{rt}, chainConfig("openai"), nil)
	r := New(reg)

	breaker.RecordFailure()
	require.Equal(t, circuitbreaker.Open, breaker.State())

	group.RecordProbe("openai", false)
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, circuitbreaker.HalfOpen, breaker.State())

	// More attempts than the trial budget, all against an empty pool.
	for range 5 {
		_, err := r.Route(context.Background(), &providers.Request{Model: "gpt-4o", Prompt: "hi"}, "req-11")
		require.Error(t, err)
	}
	require.Zero(t, fake.callCount())

	// Once the pool recovers there must still be trials left to spend.
	group.RecordProbe("openai", true)
	resp, err := r.Route(context.Background(), &providers.Request{Model: "gpt-4o", Prompt: "hi"}, "req-11")
	require.NoError(t, err)
	assert.Equal(t, "openai", resp.Provider)
}

func TestResolveModelUsesCapturedSnapshot(t *testing.T) {
	rt := newRuntime("anthropic", &fakeDispatcher{name: "anthropic"}, "claude-haiku-4", "claude-sonnet-4")
	reg := registry.New([]*registry.ProviderRuntime{rt}, chainConfig("anthropic"), []models.RoutingStrategy{
		{Name: "prefer-sonnet", Enabled: true, PriorityOrder: []string{"claude-sonnet-4"}},
	})
	r := New(reg)

	snapshot := reg.Routing()
	reg.UpdateStrategies([]models.RoutingStrategy{
		{Name: "prefer-haiku", Enabled: true, PriorityOrder: []string{"claude-haiku-4"}},
	})

	// A request resolves against the strategies it captured at entry even
	// if the config is swapped mid-flight.
	assert.Equal(t, "claude-sonnet-4", r.resolveModel(snapshot, rt, "gpt-4o"))
	assert.Equal(t, "claude-haiku-4", r.resolveModel(reg.Routing(), rt, "gpt-4o"))
}

func TestRouteStrategyOverlayResolvesModel(t *testing.T) {
	fake := &fakeDispatcher{name: "anthropic"}
	reg := registry.New([]*registry.ProviderRuntime{
		newRuntime("anthropic", fake, "claude-haiku-4", "claude-sonnet-4"),
	}, chainConfig("anthropic"), []models.RoutingStrategy{
		{Name: "prefer-sonnet", Enabled: true, PriorityOrder: []string{"claude-sonnet-4", "claude-haiku-4"}},
	})

	// Requested model is not served; the enabled strategy decides the
	// substitute instead of the provider's own ordering.
	resp, err := New(reg).Route(context.Background(), &providers.Request{Model: "gpt-4o", Prompt: "hi"}, "req-9")
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4", resp.Model)
}

func TestRouteCanceledContextCountsAsFailure(t *testing.T) {
	fake := &fakeDispatcher{name: "openai", err: context.DeadlineExceeded}
	rt := newRuntime("openai", fake, "gpt-4o")
	reg := registry.New([]*registry.ProviderRuntime{rt}, chainConfig("openai"), nil)

	_, err := New(reg).Route(context.Background(), &providers.Request{Model: "gpt-4o", Prompt: "hi"}, "req-10")
	require.Error(t, err)

	var appErr *models.AppError
	require.ErrorAs(t, err, &appErr)
	require.Len(t, appErr.Attempts, 1)
	assert.Contains(t, appErr.Attempts[0].Reason, "dispatch timeout")
	assert.Equal(t, 1, rt.Breaker.Snapshot().ConsecutiveFailures)
}
