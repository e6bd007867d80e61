package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ensemble-dev/ensemble/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func TestLoadEmbeddedDefaults(t *testing.T) {
	dir := t.TempDir()
	reg, err := Load(filepath.Join(dir, "agents.d"), filepath.Join(dir, "providers.d"), testLogger(t))
	require.NoError(t, err)

	agent, ok := reg.Agent("claude")
	require.True(t, ok)
	require.Equal(t, "claude", agent.Binary)

	provider, ok := reg.Provider("anthropic")
	require.True(t, ok)
	require.Equal(t, "ANTHROPIC_API_KEY", provider.Auth.EnvKey)
}

func TestOverlayWinsOnCollision(t *testing.T) {
	dir := t.TempDir()
	agentsDir := filepath.Join(dir, "agents.d")
	require.NoError(t, os.MkdirAll(agentsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(agentsDir, "claude.toml"), []byte(`
id = "claude"
name = "Claude Code (custom)"
binary = "claude-custom"
`), 0o644))

	reg, err := Load(agentsDir, filepath.Join(dir, "providers.d"), testLogger(t))
	require.NoError(t, err)

	agent, ok := reg.Agent("claude")
	require.True(t, ok)
	require.Equal(t, "claude-custom", agent.Binary)
}

func TestOverlaySkipsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	agentsDir := filepath.Join(dir, "agents.d")
	require.NoError(t, os.MkdirAll(agentsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(agentsDir, "broken.toml"), []byte("not = [valid"), 0o644))

	reg, err := Load(agentsDir, filepath.Join(dir, "providers.d"), testLogger(t))
	require.NoError(t, err)
	require.NotEmpty(t, reg.Agents())
}

func TestResolveEndpointIndirection(t *testing.T) {
	p := Provider{
		Endpoints: map[string]string{
			"default": "api",
			"api":     "https://api.example/v1",
		},
	}
	url, ok := p.ResolveEndpoint("")
	require.True(t, ok)
	require.Equal(t, "https://api.example/v1", url)
}
