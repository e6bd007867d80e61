package paths

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExpandTokensAndTilde(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)

	got, err := Expand("~/ensemble/{agent-id}/{alias}", "work", "claude")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "ensemble", "claude", "work"), got)
}

func TestExpandRejectsRelative(t *testing.T) {
	_, err := Expand("relative/{alias}", "work", "claude")
	require.Error(t, err)
	var notAbs *NotAbsoluteError
	require.ErrorAs(t, err, &notAbs)
}

func TestNewLayoutDerivesPaths(t *testing.T) {
	d := Dirs{Config: "/cfg", Cache: "/cache", Data: "/data"}
	l := NewLayout(d)

	require.Equal(t, "/cfg/config.toml", l.ConfigFile)
	require.Equal(t, "/data/profiles", l.ProfilesDir)
	require.Equal(t, "/data/registry/registry.lock", l.RegistryLock)
	require.Equal(t, "/data/telemetry/sessions.jsonl", l.SessionsFile)
}

func TestEnsureDirsCreatesTree(t *testing.T) {
	base := t.TempDir()
	l := NewLayout(Dirs{Config: base, Cache: base, Data: base})
	require.NoError(t, l.EnsureDirs())
	require.DirExists(t, l.ProfilesDir)
	require.DirExists(t, l.AgentsDir)
	require.DirExists(t, l.RegistryCommits)
}
