package telemetry

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ensemble-dev/ensemble/internal/common/logger"
)

func newTestRecorder(t *testing.T) (*Recorder, string, string) {
	t.Helper()
	dir := t.TempDir()
	sessions := filepath.Join(dir, "sessions.jsonl")
	aggregates := filepath.Join(dir, "aggregates.json")
	return NewRecorder(sessions, aggregates, logger.Default()), sessions, aggregates
}

func TestRecordSessionAppendsAndAggregates(t *testing.T) {
	rec, sessionsPath, _ := newTestRecorder(t)

	duration := 1.5
	exitCode := 0
	require.NoError(t, rec.RecordSession(Session{
		Profile:      "work",
		AgentID:      "claude",
		ProviderID:   "anthropic",
		StartedAt:    time.Now(),
		DurationSecs: &duration,
		ExitCode:     &exitCode,
	}))
	require.NoError(t, rec.RecordSession(Session{
		Profile:      "work",
		AgentID:      "claude",
		ProviderID:   "anthropic",
		StartedAt:    time.Now(),
		DurationSecs: &duration,
		ExitCode:     &exitCode,
	}))

	agg, err := rec.GetStats("", "")
	require.NoError(t, err)
	require.Equal(t, 2, agg.TotalSessions)
	require.Equal(t, 2, agg.ByAgent["claude"].Sessions)
	require.Equal(t, 2, agg.ByProfile["work"].Sessions)

	f, err := os.Open(sessionsPath)
	require.NoError(t, err)
	defer f.Close()
	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
	}
	require.Equal(t, agg.TotalSessions, lines, "aggregates.total_sessions must equal sessions.jsonl line count")
}

func TestGetStatsFiltersByDimension(t *testing.T) {
	rec, _, _ := newTestRecorder(t)
	duration := 1.0
	require.NoError(t, rec.RecordSession(Session{Profile: "a", AgentID: "claude", ProviderID: "anthropic", StartedAt: time.Now(), DurationSecs: &duration}))
	require.NoError(t, rec.RecordSession(Session{Profile: "b", AgentID: "codex", ProviderID: "openai", StartedAt: time.Now(), DurationSecs: &duration}))

	agg, err := rec.GetStats("claude", "")
	require.NoError(t, err)
	require.Contains(t, agg.ByAgent, "claude")
	require.NotContains(t, agg.ByAgent, "codex")
}

func TestMergeUsageSumsAcrossCalls(t *testing.T) {
	rec, _, _ := newTestRecorder(t)
	require.NoError(t, rec.MergeUsage("work", "claude", Tokens{Input: 10, Output: 5}, 0.01))
	require.NoError(t, rec.MergeUsage("work", "claude", Tokens{Input: 3, Output: 1}, 0.02))

	agg, err := rec.GetStats("", "")
	require.NoError(t, err)
	require.Equal(t, int64(13), agg.ByProfile["work"].Tokens.Input)
	require.InDelta(t, 0.03, *agg.ByProfile["work"].CostUSD, 1e-9)
}

func TestLoadRecentSessionsReturnsTail(t *testing.T) {
	rec, _, _ := newTestRecorder(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, rec.RecordSession(Session{Profile: "work", AgentID: "claude", ProviderID: "anthropic", StartedAt: time.Now()}))
	}
	recent, err := rec.LoadRecentSessions(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
}

func TestLoadRecentSessionsNoFile(t *testing.T) {
	rec, _, _ := newTestRecorder(t)
	recent, err := rec.LoadRecentSessions(10)
	require.NoError(t, err)
	require.Nil(t, recent)
}
