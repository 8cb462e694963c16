package registry

import (
	"testing"

	"github.com/routewise/gateway/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllOrdersByPriorityThenName(t *testing.T) {
	reg := New([]*ProviderRuntime{
		{Name: "google", Priority: 2},
		{Name: "openai", Priority: 1},
		{Name: "anthropic", Priority: 1},
	}, models.FallbackChainConfig{}, nil)

	names := make([]string, 0, 3)
	for _, rt := range reg.All() {
		names = append(names, rt.Name)
	}
	assert.Equal(t, []string{"anthropic", "openai", "google"}, names)
}

func TestBuildOrdersDeterministically(t *testing.T) {
	cfgs := map[string]models.ProviderConfig{
		"openai":    {Kind: models.ProviderKindOpenAI, APIKey: "sk-a"},
		"anthropic": {Kind: models.ProviderKindAnthropic, APIKey: "sk-b"},
		"google":    {Kind: models.ProviderKindGemini, APIKey: "sk-c"},
	}

	first, err := Build(cfgs, models.FallbackChainConfig{}, nil, nil)
	require.NoError(t, err)

	// Map iteration order varies run to run; All() must not.
	for range 10 {
		reg, err := Build(cfgs, models.FallbackChainConfig{}, nil, nil)
		require.NoError(t, err)
		for i, rt := range reg.All() {
			assert.Equal(t, first.All()[i].Name, rt.Name)
		}
	}
	assert.Equal(t, "anthropic", first.All()[0].Name)
}
