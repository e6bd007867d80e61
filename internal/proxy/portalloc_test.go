package proxy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateWithinRange(t *testing.T) {
	a := NewPortAllocator()
	p, err := a.Allocate("work", 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, p, BasePort)
	require.LessOrEqual(t, p, MaxPort)
}

func TestAllocateIsStableForSameAlias(t *testing.T) {
	a := NewPortAllocator()
	p1, err := a.Allocate("work", 0)
	require.NoError(t, err)
	p2, err := a.Allocate("work", 0)
	require.NoError(t, err)
	require.Equal(t, p1, p2)
}

func TestAllocatePrefersPreferredPort(t *testing.T) {
	a := NewPortAllocator()
	p, err := a.Allocate("work", 8090)
	require.NoError(t, err)
	require.Equal(t, 8090, p)
}

func TestReleaseFreesPort(t *testing.T) {
	a := NewPortAllocator()
	p, err := a.Allocate("work", 8090)
	require.NoError(t, err)
	a.Release("work")

	p2, err := a.Allocate("other", 8090)
	require.NoError(t, err)
	require.Equal(t, p, p2)
}

func TestAllocateExhaustedRangeFailsNotPanics(t *testing.T) {
	a := NewPortAllocator()
	for i := BasePort; i <= MaxPort; i++ {
		_, err := a.Allocate("alias-"+string(rune(i)), i)
		require.NoError(t, err)
	}
	_, err := a.Allocate("overflow", 0)
	require.Error(t, err)
}
