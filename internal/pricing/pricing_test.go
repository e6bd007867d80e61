package pricing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeCache(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "litellm-pricing.json")
	input := 0.000003
	output := 0.000015
	table := map[string]ModelPricing{
		"claude-3-5-sonnet-20241022": {
			InputCostPerToken:  &input,
			OutputCostPerToken: &output,
		},
	}
	data, err := json.Marshal(table)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestCalculateCostOnlyForSelfProvider(t *testing.T) {
	path := writeCache(t, t.TempDir())
	loader := NewLoader(path)

	tokens := Tokens{Input: 1000, Output: 500}

	require.Nil(t, loader.CalculateCost(tokens, "claude-3-5-sonnet-20241022", "anthropic"))

	cost := loader.CalculateCost(tokens, "claude-3-5-sonnet-20241022", "self")
	require.NotNil(t, cost)
	require.InDelta(t, 0.003, cost.InputCost, 0.0001)
	require.InDelta(t, 0.0075, cost.OutputCost, 0.0001)
	require.InDelta(t, 0.0105, cost.TotalCost, 0.0001)
}

func TestModelPricingPrefixFallback(t *testing.T) {
	path := writeCache(t, t.TempDir())
	loader := NewLoader(path)

	_, ok := loader.ModelPricing("claude-3-5-sonnet-20241022-extra")
	require.True(t, ok)
	require.Equal(t, 1, loader.ModelCount())
}

func TestMissingCacheIsNonFatal(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "nonexistent.json"))
	require.False(t, loader.HasCache())
	require.Nil(t, loader.CalculateCost(Tokens{Input: 1}, "claude-3-5-sonnet-20241022", "self"))
	require.Equal(t, 0, loader.ModelCount())
}
