package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/routewise/gateway/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Server     models.ServerConfig              `yaml:"server"`
	Redis      models.RedisConfig               `yaml:"redis"`
	Database   *models.DatabaseConfig           `yaml:"database,omitempty"`
	Providers  map[string]models.ProviderConfig `yaml:"providers"`
	Fallback   models.FallbackChainConfig       `yaml:"fallback"`
	RateLimit  models.RateLimitConfig           `yaml:"rate_limit"`
	Health     models.HealthConfig              `yaml:"health"`
	Strategies []models.RoutingStrategy         `yaml:"strategies,omitempty"`
}

// LoadFromFile loads configuration from a YAML file with environment variable substitution
func LoadFromFile(configPath string) (*Config, error) {
	// Validate and clean the file path to prevent directory traversal
	cleanPath := filepath.Clean(configPath)

	if strings.Contains(cleanPath, "..") {
		return nil, fmt.Errorf("invalid config path: path traversal not allowed")
	}

	ext := filepath.Ext(cleanPath)
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("invalid config file: only .yaml and .yml files are allowed")
	}

	data, err := os.ReadFile(cleanPath) // #nosec G304 - path is validated above
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	content := substituteEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(content), &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	// Normalize provider map keys to lowercase for case-insensitive lookups
	if config.Providers != nil {
		normalized := make(map[string]models.ProviderConfig, len(config.Providers))
		for key, value := range config.Providers {
			normalized[strings.ToLower(key)] = value
		}
		config.Providers = normalized
	}
	config.Fallback.DefaultProvider = strings.ToLower(config.Fallback.DefaultProvider)
	for i, name := range config.Fallback.Chain {
		config.Fallback.Chain[i] = strings.ToLower(name)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadEnvFiles loads environment variables from .env files in order of precedence
// Loads files in the order provided (first has highest priority)
func LoadEnvFiles(envFiles []string) {
	for _, envFile := range envFiles {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err == nil {
				fmt.Printf("Loaded environment variables from %s\n", envFile)
			}
		}
	}
}

// New creates a new Config instance by loading from the specified config file path
func New(configPath string) (*Config, error) {
	return LoadFromFile(configPath)
}

// Validate checks cross-field consistency: every chain entry must reference a
// configured provider, the chain may not repeat a provider, and each
// provider's kind must be one the gateway can dispatch to.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: at least one provider is required")
	}

	for name, provider := range c.Providers {
		switch provider.Kind {
		case models.ProviderKindOpenAI, models.ProviderKindAnthropic, models.ProviderKindGemini:
		default:
			return fmt.Errorf("config: provider %s has unsupported kind %q", name, provider.Kind)
		}
		if provider.APIKey == "" {
			return fmt.Errorf("config: provider %s is missing an API key", name)
		}
		if len(provider.Models) == 0 {
			return fmt.Errorf("config: provider %s declares no models", name)
		}
	}

	if c.Fallback.DefaultProvider == "" {
		return fmt.Errorf("config: fallback.default_provider is required")
	}
	if _, ok := c.Providers[c.Fallback.DefaultProvider]; !ok {
		return fmt.Errorf("config: fallback.default_provider %q is not a configured provider", c.Fallback.DefaultProvider)
	}

	seen := make(map[string]bool, len(c.Fallback.Chain))
	for _, name := range c.Fallback.Chain {
		if _, ok := c.Providers[name]; !ok {
			return fmt.Errorf("config: fallback chain entry %q is not a configured provider", name)
		}
		if seen[name] {
			return fmt.Errorf("config: fallback chain repeats provider %q", name)
		}
		seen[name] = true
	}

	if c.RateLimit.DefaultTier != "" {
		found := false
		for _, tier := range c.RateLimit.Tiers {
			if tier.Name == c.RateLimit.DefaultTier {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("config: rate_limit.default_tier %q is not a defined tier", c.RateLimit.DefaultTier)
		}
	}

	return nil
}

// substituteEnvVars replaces ${VAR_NAME} and ${VAR_NAME:-default} patterns with environment variables
func substituteEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::(-[^}]*))?\}`)

	return re.ReplaceAllStringFunc(content, func(match string) string {
		submatches := re.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		defaultValue := ""

		if len(submatches) > 2 && submatches[2] != "" {
			defaultValue = strings.TrimPrefix(submatches[2], "-")
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}

		return defaultValue
	})
}
