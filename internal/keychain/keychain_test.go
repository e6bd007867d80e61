package keychain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandleFormat(t *testing.T) {
	require.Equal(t, "ensemble-work", Handle("work"))
}

func TestSetGetRemoveRoundTrip(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	handle := Handle("work")
	require.NoError(t, store.Set(handle, "sk-xyz"))

	got, err := store.Get(handle)
	require.NoError(t, err)
	require.Equal(t, "sk-xyz", got)

	require.NoError(t, store.Remove(handle))
	_, err = store.Get(handle)
	require.Error(t, err)
}
