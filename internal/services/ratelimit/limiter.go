package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/routewise/gateway/internal/models"
	"github.com/routewise/gateway/internal/services/alerts"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

const (
	window    = time.Minute
	keyPrefix = "ratelimit:"
)

// tierTable is an immutable view of the tier definitions and bindings.
// Routing reads it without locks; admin updates swap in a replacement.
type tierTable struct {
	defaultTier string
	tiers       map[string]models.RateLimitTier
	keyTiers    map[string]string
	tenantTiers map[string]string
}

func newTierTable(cfg models.RateLimitConfig) *tierTable {
	t := &tierTable{
		defaultTier: cfg.DefaultTier,
		tiers:       make(map[string]models.RateLimitTier, len(cfg.Tiers)),
		keyTiers:    cfg.KeyTiers,
		tenantTiers: cfg.TenantTiers,
	}
	for _, tier := range cfg.Tiers {
		t.tiers[tier.Name] = tier
	}
	return t
}

// resolve applies the binding precedence: per-key override, then tenant
// assignment, then the system default tier.
func (t *tierTable) resolve(key models.RateLimitKey) (models.RateLimitTier, bool) {
	if name, ok := t.keyTiers[key.APIKey]; ok && key.APIKey != "" {
		if tier, ok := t.tiers[name]; ok {
			return tier, true
		}
	}
	if name, ok := t.tenantTiers[key.Tenant]; ok && key.Tenant != "" {
		if tier, ok := t.tiers[name]; ok {
			return tier, true
		}
	}
	tier, ok := t.tiers[t.defaultTier]
	return tier, ok
}

// Limiter is the tiered admission gate evaluated before any routing attempt.
// When the backing store is unreachable it fails open: the request is
// admitted and a degraded-mode signal is published.
type Limiter struct {
	store Store
	bus   *alerts.Bus

	mu          sync.RWMutex
	current     *tierTable
	pending     *tierTable
	effectiveAt time.Time

	now func() time.Time
}

func New(store Store, cfg models.RateLimitConfig, bus *alerts.Bus) *Limiter {
	return &Limiter{
		store:   store,
		bus:     bus,
		current: newTierTable(cfg),
		now:     time.Now,
	}
}

// UpdateTiers stages a new tier table. It becomes effective at the next
// window boundary, never retroactively within the running window.
func (l *Limiter) UpdateTiers(cfg models.RateLimitConfig) {
	table := newTierTable(cfg)
	boundary := l.now().Truncate(window).Add(window)

	l.mu.Lock()
	l.pending = table
	l.effectiveAt = boundary
	l.mu.Unlock()

	fiberlog.Infof("RateLimiter: staged tier update, effective at %s", boundary.Format(time.RFC3339))
}

// Admit checks the request and token ceilings for the key's tier. It returns
// nil when the request may proceed, or a RateLimitExceeded error carrying the
// seconds until the window resets.
func (l *Limiter) Admit(ctx context.Context, key models.RateLimitKey, estimatedTokens int64) error {
	now := l.now()
	windowStart := now.Truncate(window)

	tier, ok := l.table(windowStart).resolve(key)
	if !ok {
		// No default tier configured means admission control is off.
		return nil
	}

	retryAfter := windowStart.Add(window).Sub(now)
	ttl := retryAfter + time.Second

	if tier.RequestsPerMinute > 0 {
		counterKey := fmt.Sprintf("%s%s:requests:%d", keyPrefix, key.String(), windowStart.Unix())
		total, err := l.store.IncrBy(ctx, counterKey, 1, ttl)
		if err != nil {
			l.failOpen(err)
			return nil
		}
		if total > tier.RequestsPerMinute {
			return l.reject(key, tier, retryAfter, "requests")
		}
	}

	if tier.TokensPerMinute > 0 && estimatedTokens > 0 {
		counterKey := fmt.Sprintf("%s%s:tokens:%d", keyPrefix, key.String(), windowStart.Unix())
		total, err := l.store.IncrBy(ctx, counterKey, estimatedTokens, ttl)
		if err != nil {
			l.failOpen(err)
			return nil
		}
		if total > tier.TokensPerMinute {
			// Give the overage back so a rejected request does not keep
			// the window inflated against later, smaller requests.
			if _, err := l.store.IncrBy(ctx, counterKey, -estimatedTokens, ttl); err != nil {
				fiberlog.Warnf("RateLimiter: failed to return rejected tokens: %v", err)
			}
			return l.reject(key, tier, retryAfter, "tokens")
		}
	}

	return nil
}

// table returns the tier view effective for the given window, promoting a
// staged update once its boundary has passed.
func (l *Limiter) table(windowStart time.Time) *tierTable {
	l.mu.RLock()
	pending := l.pending
	effectiveAt := l.effectiveAt
	current := l.current
	l.mu.RUnlock()

	if pending == nil || windowStart.Before(effectiveAt) {
		return current
	}

	l.mu.Lock()
	if l.pending != nil && !windowStart.Before(l.effectiveAt) {
		l.current = l.pending
		l.pending = nil
	}
	current = l.current
	l.mu.Unlock()
	return current
}

func (l *Limiter) reject(key models.RateLimitKey, tier models.RateLimitTier, retryAfter time.Duration, which string) error {
	fiberlog.Infof("RateLimiter: %s exceeded %s ceiling of tier %s, retry after %.0fs",
		key.String(), which, tier.Name, retryAfter.Seconds())
	if l.bus != nil {
		l.bus.Publish(alerts.Event{
			Type:       alerts.EventRateLimitExceeded,
			Key:        key.String(),
			Tier:       tier.Name,
			RetryAfter: retryAfter,
		})
	}
	return models.NewRateLimitError(retryAfter)
}

// failOpen admits the request despite a store outage. Gateway availability
// takes priority over strict enforcement.
func (l *Limiter) failOpen(err error) {
	fiberlog.Errorf("RateLimiter: backing store unavailable, failing open: %v", err)
	if l.bus != nil {
		l.bus.Publish(alerts.Event{
			Type:   alerts.EventLimiterDegraded,
			Reason: models.NewLimiterUnavailableError(err).Error(),
		})
	}
}
