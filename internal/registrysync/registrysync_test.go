package registrysync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ensemble-dev/ensemble/internal/common/logger"
)

func newTestSyncer(t *testing.T) *Syncer {
	t.Helper()
	dir := t.TempDir()
	s := New(Config{
		Owner:       "ensemble-dev",
		Repo:        "registry",
		Channel:     "main",
		LockPath:    filepath.Join(dir, "registry.lock"),
		CommitsDir:  filepath.Join(dir, "commits"),
		PricingPath: filepath.Join(dir, "pricing.json"),
	}, logger.Default())
	return s
}

func TestInspectWithNoLockReturnsZeroValue(t *testing.T) {
	s := newTestSyncer(t)
	status, err := s.Inspect()
	require.NoError(t, err)
	require.Equal(t, "main", status.Channel)
	require.True(t, status.LastSync.IsZero())
}

func TestPinPersistsToLock(t *testing.T) {
	s := newTestSyncer(t)
	require.NoError(t, s.Pin("v1.2.3"))

	lock, err := s.readLock()
	require.NoError(t, err)
	require.Equal(t, "v1.2.3", lock.PinnedRef)
}

func TestSyncOfflineSkipsWithoutNetwork(t *testing.T) {
	s := newTestSyncer(t)
	status, err := s.Sync(context.Background(), false, true)
	require.NoError(t, err)
	require.True(t, status.Skipped)
	require.False(t, status.Synced)
}

func TestSyncSkipsWhenRecentAndNotForced(t *testing.T) {
	s := newTestSyncer(t)
	require.NoError(t, s.writeLock(&Lock{Channel: "main", Commit: "abc123", LastSync: time.Now()}))

	status, err := s.Sync(context.Background(), false, false)
	require.NoError(t, err)
	require.True(t, status.Skipped)
	require.Equal(t, "abc123", status.Commit)
}
