package models

// ProviderKind selects the upstream transport implementation.
type ProviderKind string

const (
	ProviderKindOpenAI    ProviderKind = "openai"
	ProviderKindAnthropic ProviderKind = "anthropic"
	ProviderKindGemini    ProviderKind = "gemini"
)

// ProviderStatus is the operator-facing status derived from the provider's
// circuit breaker: Closed = active, HalfOpen = degraded, Open = inactive.
type ProviderStatus string

const (
	ProviderStatusActive   ProviderStatus = "active"
	ProviderStatusDegraded ProviderStatus = "degraded"
	ProviderStatusInactive ProviderStatus = "inactive"
)

// EndpointConfig describes one weighted replica inside a provider's load
// balancer pool. Providers with a single upstream omit the endpoints list and
// get one implicit member using the provider-level BaseURL and weight.
type EndpointConfig struct {
	Name    string `yaml:"name" json:"name"`
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitzero"`
	Weight  int    `yaml:"weight,omitempty" json:"weight,omitzero"`
}

// ProviderConfig holds configuration for one upstream LLM provider
type ProviderConfig struct {
	Kind           ProviderKind          `yaml:"kind" json:"kind"`
	APIKey         string                `yaml:"api_key" json:"api_key,omitzero"`
	BaseURL        string                `yaml:"base_url,omitempty" json:"base_url,omitzero"` // Optional custom base URL
	Models         []string              `yaml:"models" json:"models"`                        // Supported models, ordered
	Priority       int                   `yaml:"priority,omitempty" json:"priority,omitzero"`
	Weight         int                   `yaml:"weight,omitempty" json:"weight,omitzero"` // Default member weight
	TimeoutMs      int                   `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitzero"`
	Headers        map[string]string     `yaml:"headers,omitempty" json:"headers,omitzero"`
	Endpoints      []EndpointConfig      `yaml:"endpoints,omitempty" json:"endpoints,omitzero"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker,omitempty" json:"circuit_breaker,omitzero"`
}

// CircuitBreakerConfig holds per-provider breaker thresholds
type CircuitBreakerConfig struct {
	FailureThreshold   int `yaml:"failure_threshold,omitempty" json:"failure_threshold,omitzero"`       // Consecutive failures before opening
	CooldownMs         int `yaml:"cooldown_ms,omitempty" json:"cooldown_ms,omitzero"`                   // Time Open before trial traffic
	HalfOpenTrialCount int `yaml:"half_open_trial_count,omitempty" json:"half_open_trial_count,omitzero"` // Trial requests allowed while HalfOpen
}
