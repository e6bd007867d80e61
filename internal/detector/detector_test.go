package detector

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ensemble-dev/ensemble/internal/common/logger"
	"github.com/ensemble-dev/ensemble/internal/manifest"
)

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)
	return New(filepath.Join(t.TempDir(), "detect-cache.json"), log)
}

func TestDetectViaCommandSuccess(t *testing.T) {
	d := newTestDetector(t)
	d.runCmd = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("claude-cli 1.2.3\n"), nil
	}
	d.lookPath = func(string) (string, error) { return "/usr/local/bin/claude", nil }

	r := d.Detect(manifest.Agent{
		ID:     "claude",
		Binary: "claude",
		Detect: manifest.DetectSpec{Commands: [][]string{{"claude", "--version"}}},
	})

	require.True(t, r.Installed)
	require.Equal(t, "1.2.3", r.Version)
	require.Equal(t, "/usr/local/bin/claude", r.BinaryPath)
}

func TestDetectFallsBackToFileCheck(t *testing.T) {
	d := newTestDetector(t)
	d.runCmd = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, os.ErrNotExist
	}

	file := filepath.Join(t.TempDir(), "marker")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	r := d.Detect(manifest.Agent{
		ID:     "marker-agent",
		Binary: "missing-binary",
		Detect: manifest.DetectSpec{Files: []string{file}},
	})
	require.True(t, r.Installed)
}

func TestDetectNotInstalled(t *testing.T) {
	d := newTestDetector(t)
	d.runCmd = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, os.ErrNotExist
	}

	r := d.Detect(manifest.Agent{ID: "ghost", Binary: "ghost-binary"})
	require.False(t, r.Installed)
}

func TestDetectMemoizes(t *testing.T) {
	d := newTestDetector(t)
	calls := 0
	d.runCmd = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		calls++
		return []byte("1.0.0"), nil
	}

	agent := manifest.Agent{ID: "claude", Binary: "claude", Detect: manifest.DetectSpec{Commands: [][]string{{"claude", "--version"}}}}
	d.Detect(agent)
	d.Detect(agent)
	require.Equal(t, 1, calls)
}
