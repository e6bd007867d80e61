package proxy

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ensemble-dev/ensemble/internal/profile"
)

func TestGenerateConfigSimpleStrategy(t *testing.T) {
	cfg := profile.ProxyConfig{
		Enabled: true,
		Routing: profile.RoutingConfig{Strategy: profile.RoutingSimple},
		ModelAliases: map[string]string{"fast": "anthropic/claude-haiku"},
	}
	data, err := GenerateConfig(cfg, 8090)
	require.NoError(t, err)

	var parsed routerConfig
	require.NoError(t, yaml.Unmarshal(data, &parsed))
	require.Equal(t, "127.0.0.1", parsed.Server.Host)
	require.Equal(t, 8090, parsed.Server.Port)
	require.Equal(t, "simple", parsed.RouterSettings.RoutingStrategy)
	require.Len(t, parsed.ModelList, 1)
	require.Equal(t, "anthropic/claude-haiku", parsed.ModelList[0].ModelName)
}

func TestGenerateConfigConditionalEmitsRules(t *testing.T) {
	cfg := profile.ProxyConfig{
		Enabled: true,
		Routing: profile.RoutingConfig{
			Strategy: profile.RoutingConditional,
			Rules: []profile.RoutingRule{
				{Condition: "tokens > 100000", Target: "anthropic/claude-opus", Priority: 1},
			},
		},
	}
	data, err := GenerateConfig(cfg, 8080)
	require.NoError(t, err)

	var parsed routerConfig
	require.NoError(t, yaml.Unmarshal(data, &parsed))
	require.Equal(t, "conditional", parsed.RouterSettings.RoutingStrategy)
	require.Len(t, parsed.RouterSettings.Rules, 1)
	require.Equal(t, "anthropic/claude-opus", parsed.RouterSettings.Rules[0].Model)
}
