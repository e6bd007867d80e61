package execengine

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ensemble-dev/ensemble/internal/common/logger"
	"github.com/ensemble-dev/ensemble/internal/keychain"
	"github.com/ensemble-dev/ensemble/internal/manifest"
	"github.com/ensemble-dev/ensemble/internal/profile"
	"github.com/ensemble-dev/ensemble/internal/scriptengine"
	"github.com/ensemble-dev/ensemble/internal/telemetry"
)

func newTestEngine(t *testing.T) (*Engine, *profile.Store) {
	t.Helper()
	dir := t.TempDir()

	manifests, err := manifest.Load(filepath.Join(dir, "agents.d"), filepath.Join(dir, "providers.d"), logger.Default())
	require.NoError(t, err)

	creds, err := keychain.Open(filepath.Join(dir, "creds"))
	require.NoError(t, err)

	profiles, err := profile.NewStore(filepath.Join(dir, "profiles"), creds, logger.Default())
	require.NoError(t, err)

	scripts := scriptengine.NewLoader(filepath.Join(dir, "scripts"))
	sessions := telemetry.NewRecorder(filepath.Join(dir, "sessions.jsonl"), filepath.Join(dir, "aggregates.json"), logger.Default())

	eng := New(profiles, manifests, scripts, sessions, logger.Default())
	return eng, profiles
}

// TestPrepareEndToEnd exercises spec section 8's scenario 1: a claude
// profile with model claude-sonnet-4-5 against the anthropic provider binds
// ANTHROPIC_API_KEY into the child environment, sets HOME to the profile's
// home, and writes the script's declared files with the API key token
// substituted.
func TestPrepareEndToEnd(t *testing.T) {
	eng, profiles := newTestEngine(t)

	home := t.TempDir()
	_, err := profiles.Create(profile.CreateRequest{
		Alias:      "work",
		AgentID:    "claude",
		ProviderID: "anthropic",
		Model:      "claude-sonnet-4-5",
		APIKey:     "sk-xyz",
	}, home)
	require.NoError(t, err)

	plan, err := eng.Prepare("work", []string{"--help"}, "")
	require.NoError(t, err)

	require.Equal(t, "claude", plan.Binary)
	require.Contains(t, plan.Args, "--help")

	envMap := envSliceToMap(plan.Env)
	require.Equal(t, "sk-xyz", envMap["ANTHROPIC_API_KEY"])
	require.Equal(t, home, envMap["HOME"])
	require.Contains(t, envMap, "PATH")

	settingsPath := filepath.Join(home, ".claude", "settings.json")
	data, err := os.ReadFile(settingsPath)
	require.NoError(t, err)

	var settings map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &settings))
	require.Equal(t, "claude-sonnet-4-5", settings["model"])
	settingsEnv, _ := settings["env"].(map[string]interface{})
	require.Equal(t, "sk-xyz", settingsEnv["ANTHROPIC_API_KEY"])
}

func TestPrepareUnknownAgent(t *testing.T) {
	eng, profiles := newTestEngine(t)
	_, err := profiles.Create(profile.CreateRequest{
		Alias:      "bad",
		AgentID:    "does-not-exist",
		ProviderID: "anthropic",
	}, t.TempDir())
	require.NoError(t, err)

	_, err = eng.Prepare("bad", nil, "")
	require.Error(t, err)
}

// TestRunRecordsSession overrides commandContext to avoid spawning a real
// claude binary and asserts the observed exit code is both returned and
// recorded as a session, and that the run is counted on the profile.
func TestRunRecordsSession(t *testing.T) {
	eng, profiles := newTestEngine(t)

	home := t.TempDir()
	_, err := profiles.Create(profile.CreateRequest{
		Alias:      "work",
		AgentID:    "claude",
		ProviderID: "anthropic",
		Model:      "claude-sonnet-4-5",
		APIKey:     "sk-xyz",
	}, home)
	require.NoError(t, err)

	eng.commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "exit 7")
	}

	result, err := eng.Run(context.Background(), RunRequest{Alias: "work"})
	require.NoError(t, err)
	require.Equal(t, 7, result.ExitCode)

	recent, err := eng.sessions.LoadRecentSessions(1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.NotNil(t, recent[0].ExitCode)
	require.Equal(t, 7, *recent[0].ExitCode)

	p, err := profiles.Get("work")
	require.NoError(t, err)
	require.Equal(t, 1, p.Metadata.TotalRuns)
	require.NotNil(t, p.Metadata.LastUsed)
}

func envSliceToMap(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return out
}
