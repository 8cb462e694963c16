package loadbalancer

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/routewise/gateway/internal/models"
	"github.com/routewise/gateway/internal/services/circuitbreaker"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

const (
	defaultWeight     = 1
	defaultLatencyEMA = 0.2
)

// ErrNoHealthyMember is returned by Pick when every member of the pool is
// excluded by breaker state or probe failure.
var ErrNoHealthyMember = models.NewProviderUnavailableError("", "no healthy member in pool")

// Member is one weighted replica inside a provider's pool.
type Member struct {
	name    string
	baseURL string
	weight  int

	activeRequests atomic.Int64
	totalRequests  atomic.Uint64
	probeOK        atomic.Bool

	latencyMu    sync.Mutex
	avgLatencyMs float64
	latencySet   bool
}

// Name returns the member's configured name.
func (m *Member) Name() string { return m.name }

// BaseURL returns the member's upstream URL ("" = provider default).
func (m *Member) BaseURL() string { return m.baseURL }

// MemberStats is a point-in-time copy of one member's load metrics.
type MemberStats struct {
	Name           string  `json:"name"`
	Weight         int     `json:"weight"`
	ActiveRequests int64   `json:"active_requests"`
	TotalRequests  uint64  `json:"total_requests"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	ProbeHealthy   bool    `json:"probe_healthy"`
}

// Stats holds the group-level projection for the ops API.
type Stats struct {
	Provider  string        `json:"provider"`
	IsHealthy bool          `json:"is_healthy"`
	Members   []MemberStats `json:"members"`
}

// Group is the weighted pool of interchangeable endpoints for one provider.
// Health is recomputed lazily on each Pick from the bound breaker state plus
// the most recent probe result per member.
type Group struct {
	provider string
	breaker  *circuitbreaker.CircuitBreaker
	members  []*Member
	alpha    float64

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option tweaks group construction.
type Option func(*Group)

// WithAlpha overrides the EMA smoothing factor (default 0.2).
func WithAlpha(alpha float64) Option {
	return func(g *Group) {
		if alpha > 0 && alpha <= 1 {
			g.alpha = alpha
		}
	}
}

// WithRandSource seeds the weighted-random selection, for tests.
func WithRandSource(src rand.Source) Option {
	return func(g *Group) { g.rng = rand.New(src) }
}

// New builds the pool from the provider config. A provider without explicit
// endpoints gets one implicit member carrying the provider-level weight.
func New(provider string, cfg models.ProviderConfig, breaker *circuitbreaker.CircuitBreaker, opts ...Option) *Group {
	endpoints := cfg.Endpoints
	if len(endpoints) == 0 {
		endpoints = []models.EndpointConfig{{Name: provider, BaseURL: cfg.BaseURL, Weight: cfg.Weight}}
	}

	members := make([]*Member, 0, len(endpoints))
	for _, ep := range endpoints {
		weight := ep.Weight
		if weight <= 0 {
			weight = defaultWeight
		}
		m := &Member{name: ep.Name, baseURL: ep.BaseURL, weight: weight}
		m.probeOK.Store(true) // assume healthy until a probe says otherwise
		members = append(members, m)
	}

	g := &Group{
		provider: provider,
		breaker:  breaker,
		members:  members,
		alpha:    defaultLatencyEMA,
		rng:      rand.New(rand.NewSource(rand.Int63())),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Provider returns the provider name the pool belongs to.
func (g *Group) Provider() string { return g.provider }

// Pick selects one healthy member by weighted random, breaking weight ties
// toward the lowest in-flight count. Returns ErrNoHealthyMember when the
// filtered set is empty.
func (g *Group) Pick() (*Member, error) {
	breakerOpen := g.breaker != nil && g.breaker.State() == circuitbreaker.Open

	var healthy []*Member
	for _, m := range g.members {
		if breakerOpen || !m.probeOK.Load() {
			continue
		}
		healthy = append(healthy, m)
	}
	if len(healthy) == 0 {
		fiberlog.Debugf("LoadBalancer: no healthy member for provider %s", g.provider)
		return nil, ErrNoHealthyMember
	}
	if len(healthy) == 1 {
		return healthy[0], nil
	}

	total := 0
	for _, m := range healthy {
		total += m.weight
	}

	g.rngMu.Lock()
	r := g.rng.Intn(total)
	g.rngMu.Unlock()

	var chosen *Member
	for _, m := range healthy {
		r -= m.weight
		if r < 0 {
			chosen = m
			break
		}
	}

	// Among equally weighted members, shed load toward the least busy one.
	for _, m := range healthy {
		if m != chosen && m.weight == chosen.weight &&
			m.activeRequests.Load() < chosen.activeRequests.Load() {
			chosen = m
		}
	}
	return chosen, nil
}

// RecordStart marks a dispatch attempt in flight.
func (g *Group) RecordStart(m *Member) {
	m.activeRequests.Add(1)
}

// RecordEnd completes an attempt, updating the gauge, the lifetime counter
// and the latency EMA regardless of outcome.
func (g *Group) RecordEnd(m *Member, success bool, latencyMs float64) {
	m.activeRequests.Add(-1)
	m.totalRequests.Add(1)

	m.latencyMu.Lock()
	if !m.latencySet {
		m.avgLatencyMs = latencyMs
		m.latencySet = true
	} else {
		m.avgLatencyMs = g.alpha*latencyMs + (1-g.alpha)*m.avgLatencyMs
	}
	m.latencyMu.Unlock()

	if !success {
		fiberlog.Debugf("LoadBalancer: %s/%s attempt failed (%.1fms)", g.provider, m.name, latencyMs)
	}
}

// RecordProbe stores the latest synthetic probe result for a member. A probe
// failure marks the member unhealthy even while the breaker is still Closed.
func (g *Group) RecordProbe(member string, ok bool) {
	for _, m := range g.members {
		if m.name == member {
			m.probeOK.Store(ok)
			return
		}
	}
}

// Members returns every member of the pool, including ones currently marked
// unhealthy. The health checker probes the full set so a failed member can
// recover.
func (g *Group) Members() []*Member {
	return g.members
}

// IsHealthy reports whether the pool currently has at least one pickable
// member.
func (g *Group) IsHealthy() bool {
	if g.breaker != nil && g.breaker.State() == circuitbreaker.Open {
		return false
	}
	for _, m := range g.members {
		if m.probeOK.Load() {
			return true
		}
	}
	return false
}

// Stats returns the group projection for the ops API.
func (g *Group) Stats() Stats {
	stats := Stats{
		Provider:  g.provider,
		IsHealthy: g.IsHealthy(),
		Members:   make([]MemberStats, 0, len(g.members)),
	}
	for _, m := range g.members {
		m.latencyMu.Lock()
		avg := m.avgLatencyMs
		m.latencyMu.Unlock()

		stats.Members = append(stats.Members, MemberStats{
			Name:           m.name,
			Weight:         m.weight,
			ActiveRequests: m.activeRequests.Load(),
			TotalRequests:  m.totalRequests.Load(),
			AvgLatencyMs:   avg,
			ProbeHealthy:   m.probeOK.Load(),
		})
	}
	return stats
}
