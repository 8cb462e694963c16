package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/routewise/gateway/internal/models"
	"github.com/routewise/gateway/internal/services/alerts"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryStore is an in-process Store for tests.
type memoryStore struct {
	mu       sync.Mutex
	counters map[string]int64
	err      error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{counters: make(map[string]int64)}
}

func (s *memoryStore) IncrBy(ctx context.Context, key string, n int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.counters[key] += n
	return s.counters[key], nil
}

func testConfig() models.RateLimitConfig {
	return models.RateLimitConfig{
		DefaultTier: "free",
		Tiers: []models.RateLimitTier{
			{Name: "free", RequestsPerMinute: 2, TokensPerMinute: 100},
			{Name: "pro", RequestsPerMinute: 100, TokensPerMinute: 10000},
		},
		TenantTiers: map[string]string{"acme": "pro"},
		KeyTiers:    map[string]string{"sk-override": "pro"},
	}
}

func newTestLimiter(store Store) (*Limiter, *time.Time) {
	now := time.Date(2026, 2, 10, 12, 0, 10, 0, time.UTC)
	l := New(store, testConfig(), nil)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAdmitWithinTier(t *testing.T) {
	l, _ := newTestLimiter(newMemoryStore())
	key := models.RateLimitKey{APIKey: "sk-1"}

	require.NoError(t, l.Admit(context.Background(), key, 10))
	require.NoError(t, l.Admit(context.Background(), key, 10))
}

func TestRequestCeilingRejectsWithRetryAfter(t *testing.T) {
	l, _ := newTestLimiter(newMemoryStore())
	key := models.RateLimitKey{APIKey: "sk-1"}

	require.NoError(t, l.Admit(context.Background(), key, 1))
	require.NoError(t, l.Admit(context.Background(), key, 1))

	err := l.Admit(context.Background(), key, 1)
	require.Error(t, err)

	var appErr *models.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, models.ErrorTypeRateLimit, appErr.Type)
	// Window started at 12:00:00, now is 12:00:10.
	assert.Equal(t, 50*time.Second, appErr.RetryAfter)
	assert.LessOrEqual(t, appErr.RetryAfter, time.Minute)
}

func TestTokenCeilingRejects(t *testing.T) {
	l, _ := newTestLimiter(newMemoryStore())
	key := models.RateLimitKey{APIKey: "sk-1"}

	require.NoError(t, l.Admit(context.Background(), key, 90))

	err := l.Admit(context.Background(), key, 20)
	require.Error(t, err)

	var appErr *models.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, models.ErrorTypeRateLimit, appErr.Type)
}

func TestRejectedTokensDoNotInflateWindow(t *testing.T) {
	cfg := models.RateLimitConfig{
		DefaultTier: "free",
		Tiers: []models.RateLimitTier{
			{Name: "free", RequestsPerMinute: 100, TokensPerMinute: 100},
		},
	}
	l := New(newMemoryStore(), cfg, nil)
	l.now = func() time.Time { return time.Date(2026, 2, 10, 12, 0, 10, 0, time.UTC) }
	key := models.RateLimitKey{APIKey: "sk-1"}

	require.NoError(t, l.Admit(context.Background(), key, 90))
	require.Error(t, l.Admit(context.Background(), key, 20))

	// The rejected 20 tokens were returned; 90 + 5 still fits the ceiling.
	assert.NoError(t, l.Admit(context.Background(), key, 5))
}

func TestWindowResetReadmits(t *testing.T) {
	l, now := newTestLimiter(newMemoryStore())
	key := models.RateLimitKey{APIKey: "sk-1"}

	require.NoError(t, l.Admit(context.Background(), key, 1))
	require.NoError(t, l.Admit(context.Background(), key, 1))
	require.Error(t, l.Admit(context.Background(), key, 1))

	*now = now.Add(time.Minute)
	assert.NoError(t, l.Admit(context.Background(), key, 1))
}

func TestTierResolutionPrecedence(t *testing.T) {
	l, _ := newTestLimiter(newMemoryStore())

	// Tenant binding lifts the key onto the pro tier.
	tenantKey := models.RateLimitKey{Tenant: "acme", APIKey: "sk-2"}
	for range 10 {
		require.NoError(t, l.Admit(context.Background(), tenantKey, 1))
	}

	// Per-key override wins even without a tenant.
	overrideKey := models.RateLimitKey{APIKey: "sk-override"}
	for range 10 {
		require.NoError(t, l.Admit(context.Background(), overrideKey, 1))
	}

	// Unbound key falls back to the free tier.
	defaultKey := models.RateLimitKey{APIKey: "sk-unbound"}
	require.NoError(t, l.Admit(context.Background(), defaultKey, 1))
	require.NoError(t, l.Admit(context.Background(), defaultKey, 1))
	require.Error(t, l.Admit(context.Background(), defaultKey, 1))
}

func TestFailOpenOnStoreOutage(t *testing.T) {
	store := newMemoryStore()
	store.err = errors.New("connection refused")

	bus := alerts.NewBus()
	events := bus.Subscribe(4)

	l := New(store, testConfig(), bus)
	l.now = func() time.Time { return time.Date(2026, 2, 10, 12, 0, 10, 0, time.UTC) }

	key := models.RateLimitKey{APIKey: "sk-1"}
	for range 5 {
		assert.NoError(t, l.Admit(context.Background(), key, 1), "store outage must fail open")
	}

	select {
	case ev := <-events:
		assert.Equal(t, alerts.EventLimiterDegraded, ev.Type)
	default:
		t.Fatal("expected a degraded-mode event")
	}
}

func TestTierUpdateEffectiveNextWindow(t *testing.T) {
	l, now := newTestLimiter(newMemoryStore())
	key := models.RateLimitKey{APIKey: "sk-1"}

	require.NoError(t, l.Admit(context.Background(), key, 1))
	require.NoError(t, l.Admit(context.Background(), key, 1))

	// Raise the free tier mid-window; the running window keeps the old limit.
	updated := testConfig()
	updated.Tiers[0].RequestsPerMinute = 5
	l.UpdateTiers(updated)

	require.Error(t, l.Admit(context.Background(), key, 1))

	// Next window picks up the staged limits.
	*now = now.Add(time.Minute)
	for range 5 {
		require.NoError(t, l.Admit(context.Background(), key, 1))
	}
	require.Error(t, l.Admit(context.Background(), key, 1))
}

func TestRateLimitExceededEventPublished(t *testing.T) {
	bus := alerts.NewBus()
	events := bus.Subscribe(4)

	l := New(newMemoryStore(), testConfig(), bus)
	l.now = func() time.Time { return time.Date(2026, 2, 10, 12, 0, 10, 0, time.UTC) }

	key := models.RateLimitKey{APIKey: "sk-1"}
	require.NoError(t, l.Admit(context.Background(), key, 1))
	require.NoError(t, l.Admit(context.Background(), key, 1))
	require.Error(t, l.Admit(context.Background(), key, 1))

	select {
	case ev := <-events:
		assert.Equal(t, alerts.EventRateLimitExceeded, ev.Type)
		assert.Equal(t, "free", ev.Tier)
		assert.Equal(t, "key:sk-1", ev.Key)
	default:
		t.Fatal("expected a rate-limit-exceeded event")
	}
}
