package logger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	log, err := New(Config{Level: "info", Format: "json", OutputPath: path})
	require.NoError(t, err)

	log.Info("hello", zap.String("k", "v"))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")
	require.Contains(t, string(data), `"k":"v"`)
}

func TestWithProfileAddsField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	log, err := New(Config{Level: "debug", Format: "json", OutputPath: path})
	require.NoError(t, err)

	log.WithProfile("work-claude").Info("profile active")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"profile":"work-claude"`)
}

func TestWithContextExtractsCorrelationID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	log, err := New(Config{Level: "debug", Format: "json", OutputPath: path})
	require.NoError(t, err)

	ctx := context.WithValue(context.Background(), CorrelationIDKey, "abc-123")
	log.WithContext(ctx).Info("request handled")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"correlation_id":"abc-123"`)
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	log, err := New(Config{Level: "not-a-level", Format: "json", OutputPath: path})
	require.NoError(t, err)

	log.Debug("should not appear")
	log.Info("should appear")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "should not appear")
	require.Contains(t, string(data), "should appear")
}
