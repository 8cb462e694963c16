package models

// FallbackChainConfig defines the ordered fallback chain walked after the
// default provider fails. Chain order is retry priority, never round-robin.
type FallbackChainConfig struct {
	Enabled         bool     `yaml:"enabled" json:"enabled"`
	DefaultProvider string   `yaml:"default_provider" json:"default_provider"`
	Chain           []string `yaml:"chain,omitempty" json:"chain,omitzero"`
	MaxRetries      int      `yaml:"max_retries,omitempty" json:"max_retries,omitzero"`
}

// RoutingStrategy is an optional overlay that reorders candidate models
// within a provider before the chain walk. It never alters chain order.
type RoutingStrategy struct {
	Name          string   `yaml:"name" json:"name"`
	Enabled       bool     `yaml:"enabled" json:"enabled"`
	PriorityOrder []string `yaml:"priority_order" json:"priority_order"`
}
