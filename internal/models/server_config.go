package models

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Port           string `json:"port,omitzero" yaml:"port"`
	AllowedOrigins string `json:"allowed_origins,omitzero" yaml:"allowed_origins"`
	Environment    string `json:"environment,omitzero" yaml:"environment"`
	LogLevel       string `json:"log_level,omitzero" yaml:"log_level"`
}

// RedisConfig holds connection settings for the rate limiter backing store
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password,omitempty" json:"-"`
	DB       int    `yaml:"db,omitempty" json:"db,omitzero"`
}

// HealthConfig holds the background prober settings
type HealthConfig struct {
	IntervalMs     int `yaml:"interval_ms,omitempty" json:"interval_ms,omitzero"`
	ProbeTimeoutMs int `yaml:"probe_timeout_ms,omitempty" json:"probe_timeout_ms,omitzero"`
}
