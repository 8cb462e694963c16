package models

// RateLimitTier is a named admission-control profile. A key is bound to
// exactly one tier at a time; the default tier applies when unbound.
type RateLimitTier struct {
	Name              string `yaml:"name" json:"name"`
	RequestsPerMinute int64  `yaml:"requests_per_minute" json:"requests_per_minute"`
	TokensPerMinute   int64  `yaml:"tokens_per_minute" json:"tokens_per_minute"`
}

// RateLimitKey identifies the admission-control subject. APIKey is the
// fine-grained identity; Tenant carries the tenant-level tier assignment.
type RateLimitKey struct {
	Tenant string `json:"tenant,omitzero"`
	APIKey string `json:"api_key,omitzero"`
}

// String returns the counter key used by the limiter's backing store.
func (k RateLimitKey) String() string {
	if k.APIKey != "" {
		return "key:" + k.APIKey
	}
	return "tenant:" + k.Tenant
}

// RateLimitConfig holds the tier table and bindings loaded at startup.
// Resolution order: per-key binding > tenant binding > default tier.
type RateLimitConfig struct {
	DefaultTier string            `yaml:"default_tier" json:"default_tier"`
	Tiers       []RateLimitTier   `yaml:"tiers" json:"tiers"`
	KeyTiers    map[string]string `yaml:"key_tiers,omitempty" json:"key_tiers,omitzero"`
	TenantTiers map[string]string `yaml:"tenant_tiers,omitempty" json:"tenant_tiers,omitzero"`
}
