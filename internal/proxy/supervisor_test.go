package proxy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ensemble-dev/ensemble/internal/apierr"
	"github.com/ensemble-dev/ensemble/internal/common/logger"
	"github.com/ensemble-dev/ensemble/internal/profile"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	return NewSupervisor("ensemble-router-definitely-not-on-path", nil, logger.Default())
}

func TestStartFailsWhenProxyNotEnabled(t *testing.T) {
	s := newTestSupervisor(t)
	p := &profile.Profile{Alias: "work"}

	_, err := s.Start(p, 0)
	require.Error(t, err)
	apiErr := apierr.As(err)
	require.Equal(t, apierr.CodeProxyNotEnabled, apiErr.Code)
}

func TestStartFailsWhenSidecarMissing(t *testing.T) {
	s := newTestSupervisor(t)
	home := t.TempDir()
	p := &profile.Profile{
		Alias: "work",
		Metadata: profile.Metadata{
			Home: home,
			ProxyConfig: &profile.ProxyConfig{Enabled: true},
		},
	}

	_, err := s.Start(p, 0)
	require.Error(t, err)
	apiErr := apierr.As(err)
	require.Equal(t, apierr.CodeProxyUnsupported, apiErr.Code)
}

func TestStopOnUntrackedAliasIsNoop(t *testing.T) {
	s := newTestSupervisor(t)
	require.NoError(t, s.Stop("never-started"))
}

func TestStatusOfUnknownAlias(t *testing.T) {
	s := newTestSupervisor(t)
	_, ok := s.StatusOf("unknown")
	require.False(t, ok)
}

func TestCloseOnEmptySupervisorIsSafe(t *testing.T) {
	s := newTestSupervisor(t)
	s.Close()
}

func TestIsSupportedFalseWhenBinaryMissing(t *testing.T) {
	s := newTestSupervisor(t)
	require.False(t, s.IsSupported())
}
