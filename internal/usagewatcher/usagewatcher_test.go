package usagewatcher

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ensemble-dev/ensemble/internal/common/logger"
	"github.com/ensemble-dev/ensemble/internal/eventbus"
)

func claudeLineJSON(id, requestID string, input, output int64) string {
	return `{"timestamp":"2026-01-01T00:00:00Z","requestId":"` + requestID + `","message":{"id":"` + id + `","model":"claude-sonnet","usage":{"input_tokens":` + strconv.FormatInt(input, 10) + `,"output_tokens":` + strconv.FormatInt(output, 10) + `}}}`
}

func TestScanJSONLDedupesIdenticalEntries(t *testing.T) {
	dir := t.TempDir()
	bus := eventbus.NewBus(logger.Default())
	sub := bus.Subscribe([]string{eventbus.TopicAll})
	defer sub.Close()

	path := filepath.Join(dir, "session.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(claudeLineJSON("m1", "r1", 10, 5)+"\n"), 0o644))

	w := New([]Root{{Kind: AgentClaudeCode, Dir: dir, Format: FormatJSONL}}, bus, logger.Default())
	w.ScanOnce()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(claudeLineJSON("m1", "r1", 10, 5) + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	w.ScanOnce()

	count := 0
	timeout := time.After(200 * time.Millisecond)
drain:
	for {
		select {
		case <-sub.C:
			count++
		case <-timeout:
			break drain
		}
	}
	require.Equal(t, 1, count, "duplicate (agent_kind, message_id, request_id) must be broadcast at most once")
}

func TestScanJSONLHandlesTruncation(t *testing.T) {
	dir := t.TempDir()
	bus := eventbus.NewBus(logger.Default())
	defer bus.Close()

	path := filepath.Join(dir, "session.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(claudeLineJSON("m1", "r1", 10, 5)+"\n"+claudeLineJSON("m2", "r2", 1, 1)+"\n"), 0o644))

	w := New([]Root{{Kind: AgentClaudeCode, Dir: dir, Format: FormatJSONL}}, bus, logger.Default())
	w.ScanOnce()

	require.NoError(t, os.WriteFile(path, []byte(claudeLineJSON("m3", "r3", 2, 2)+"\n"), 0o644))
	w.ScanOnce()

	w.mu.Lock()
	state := w.files[path]
	w.mu.Unlock()
	require.NotNil(t, state)
	require.Greater(t, state.lastOffset, int64(0))
}

func TestScanToleratesMissingDirectory(t *testing.T) {
	bus := eventbus.NewBus(logger.Default())
	defer bus.Close()
	w := New([]Root{{Kind: AgentClaudeCode, Dir: filepath.Join(t.TempDir(), "does-not-exist"), Format: FormatJSONL}}, bus, logger.Default())
	require.NotPanics(t, func() { w.ScanOnce() })
}

func TestScanJSONOpenCodeWholeFile(t *testing.T) {
	dir := t.TempDir()
	bus := eventbus.NewBus(logger.Default())
	sub := bus.Subscribe([]string{eventbus.KindUsageUpdated})
	defer sub.Close()

	session := `{"project_path":"/home/user/proj","messages":[{"id":"m1","request_id":"r1","model":"gpt-5","timestamp":"2026-01-01T00:00:00Z","tokens":{"input":10,"output":5}}]}`
	path := filepath.Join(dir, "session1.json")
	require.NoError(t, os.WriteFile(path, []byte(session), 0o644))

	w := New([]Root{{Kind: AgentOpenCode, Dir: dir, Format: FormatJSON}}, bus, logger.Default())
	w.ScanOnce()

	select {
	case ev := <-sub.C:
		entry, ok := ev.Payload.(Entry)
		require.True(t, ok)
		require.Equal(t, "m1", entry.MessageID)
		require.Equal(t, "/home/user/proj", entry.ProjectPath)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected usage event")
	}
}
