package profile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ensemble-dev/ensemble/internal/apierr"
	"github.com/ensemble-dev/ensemble/internal/common/logger"
	"github.com/ensemble-dev/ensemble/internal/keychain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)

	creds, err := keychain.Open(t.TempDir())
	require.NoError(t, err)

	store, err := NewStore(filepath.Join(t.TempDir(), "profiles"), creds, log)
	require.NoError(t, err)
	return store
}

func TestCreateGetDeleteLifecycle(t *testing.T) {
	store := newTestStore(t)
	home := filepath.Join(t.TempDir(), "home")

	p, err := store.Create(CreateRequest{
		Alias:      "work",
		AgentID:    "claude",
		ProviderID: "anthropic",
		Model:      "claude-sonnet-4-5",
		APIKey:     "sk-xyz",
	}, home)
	require.NoError(t, err)
	require.Equal(t, "work", p.Alias)
	require.DirExists(t, home)

	got, err := store.Get("work")
	require.NoError(t, err)
	require.Equal(t, p.Metadata.Home, got.Metadata.Home)

	key, err := store.GetAPIKey("work")
	require.NoError(t, err)
	require.Equal(t, "sk-xyz", key)

	require.NoError(t, store.Delete("work"))
	require.DirExists(t, home) // home is preserved per policy

	_, err = store.Get("work")
	apiErr := err.(*apierr.Error)
	require.Equal(t, apierr.CodeProfileNotFound, apiErr.Code)

	// re-creating after delete succeeds with a fresh record over the preserved home
	p2, err := store.Create(CreateRequest{Alias: "work", AgentID: "claude", ProviderID: "anthropic"}, home)
	require.NoError(t, err)
	require.NotEqual(t, p.Metadata.CreatedAt, p2.Metadata.CreatedAt)
}

func TestCreateDuplicateFails(t *testing.T) {
	store := newTestStore(t)
	home := filepath.Join(t.TempDir(), "home")
	_, err := store.Create(CreateRequest{Alias: "work", AgentID: "claude"}, home)
	require.NoError(t, err)

	_, err = store.Create(CreateRequest{Alias: "work", AgentID: "claude"}, home)
	apiErr := err.(*apierr.Error)
	require.Equal(t, apierr.CodeProfileExists, apiErr.Code)
}

func TestListSortsByAlias(t *testing.T) {
	store := newTestStore(t)
	for _, alias := range []string{"zeta", "alpha", "mid"} {
		_, err := store.Create(CreateRequest{Alias: alias, AgentID: "claude"}, filepath.Join(t.TempDir(), alias))
		require.NoError(t, err)
	}

	list, err := store.List("")
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, []string{"alpha", "mid", "zeta"}, []string{list[0].Alias, list[1].Alias, list[2].Alias})
}

func TestMarkUsedIncrementsCounters(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Create(CreateRequest{Alias: "work", AgentID: "claude"}, filepath.Join(t.TempDir(), "home"))
	require.NoError(t, err)

	require.NoError(t, store.MarkUsed("work"))
	p, err := store.Get("work")
	require.NoError(t, err)
	require.Equal(t, 1, p.Metadata.TotalRuns)
	require.NotNil(t, p.Metadata.LastUsed)
}

func TestFilteredEnvExcludesReservedPrefix(t *testing.T) {
	p := &Profile{Env: map[string]string{
		"FOO":                        "bar",
		ReservedEnvPrefix + "SECRET": "hidden",
	}}
	out := p.FilteredEnv()
	require.Equal(t, map[string]string{"FOO": "bar"}, out)
}
