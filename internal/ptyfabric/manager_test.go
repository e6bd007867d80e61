package ptyfabric

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ensemble-dev/ensemble/internal/common/logger"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(logger.Default())
}

func TestCreateAndReplayScrollback(t *testing.T) {
	m := newTestManager(t)
	session, err := m.Create(CreateOptions{
		ProfileAlias: "work",
		Binary:       "/bin/sh",
		Args:         []string{"-c", "printf AAA; sleep 0.05; printf BBB; sleep 1"},
		WorkingDir:   t.TempDir(),
		Size:         Size{Cols: 80, Rows: 24},
	})
	require.NoError(t, err)
	defer session.Terminate()

	// Let the first writer produce output before attaching, so the
	// replay buffer has something in it.
	time.Sleep(150 * time.Millisecond)

	ch, unsubscribe := session.Subscribe()
	defer unsubscribe()

	var connected bool
	var replay []byte
	deadline := time.After(2 * time.Second)
	for !connected || len(replay) == 0 {
		select {
		case out := <-ch:
			switch out.Kind {
			case OutputConnected:
				connected = true
			case OutputData:
				if !connected {
					t.Fatal("data frame arrived before Connected frame")
				}
				replay = append(replay, out.Data...)
			}
		case <-deadline:
			t.Fatal("timed out waiting for replay")
		}
	}

	require.Contains(t, string(replay), "AAABBB")
}

func TestCreateRejectsSecondSessionForSameProfile(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create(CreateOptions{
		ProfileAlias: "work",
		Binary:       "/bin/sh",
		Args:         []string{"-c", "sleep 2"},
		WorkingDir:   t.TempDir(),
		Size:         Size{Cols: 80, Rows: 24},
	})
	require.NoError(t, err)

	_, err = m.Create(CreateOptions{
		ProfileAlias: "work",
		Binary:       "/bin/sh",
		Args:         []string{"-c", "sleep 2"},
		WorkingDir:   t.TempDir(),
		Size:         Size{Cols: 80, Rows: 24},
	})
	require.Error(t, err)

	m.TerminateAll()
}

func TestResizeUpdatesInfo(t *testing.T) {
	m := newTestManager(t)
	session, err := m.Create(CreateOptions{
		ProfileAlias: "resize-test",
		Binary:       "/bin/sh",
		Args:         []string{"-c", "sleep 2"},
		WorkingDir:   t.TempDir(),
		Size:         Size{Cols: 80, Rows: 24},
	})
	require.NoError(t, err)
	defer session.Terminate()

	session.Write(Input{Kind: InputResize, Size: Size{Cols: 120, Rows: 40}})
	require.Eventually(t, func() bool {
		info := session.Info()
		return info.Size.Cols == 120 && info.Size.Rows == 40
	}, time.Second, 10*time.Millisecond)
}

func TestTerminateTransitionsState(t *testing.T) {
	m := newTestManager(t)
	session, err := m.Create(CreateOptions{
		ProfileAlias: "term-test",
		Binary:       "/bin/sh",
		Args:         []string{"-c", "sleep 5"},
		WorkingDir:   t.TempDir(),
		Size:         Size{Cols: 80, Rows: 24},
	})
	require.NoError(t, err)

	session.Terminate()
	require.Eventually(t, func() bool {
		return session.Info().State == StateTerminated
	}, 2*time.Second, 20*time.Millisecond)
}
