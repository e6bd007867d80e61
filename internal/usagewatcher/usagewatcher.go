// Package usagewatcher implements C8: incremental tailing of third-party
// agent log directories to extract token counts, deduplicate, and
// broadcast usage events. It never persists totals itself — that is
// C7's job (spec 4.C8).
package usagewatcher

import (
	"bufio"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ensemble-dev/ensemble/internal/common/logger"
	"github.com/ensemble-dev/ensemble/internal/eventbus"
)

// AgentKind identifies which third-party agent a usage entry came from.
type AgentKind string

const (
	AgentClaudeCode AgentKind = "claude-code"
	AgentCodexCLI   AgentKind = "codex-cli"
	AgentOpenCode   AgentKind = "opencode"
)

// Tokens mirrors telemetry.Tokens; kept separate so this package has no
// dependency on C7, per spec 9's "watcher never persists totals" split.
type Tokens struct {
	Input         int64 `json:"input"`
	Output        int64 `json:"output"`
	CacheCreation int64 `json:"cache_creation"`
	CacheRead     int64 `json:"cache_read"`
}

func (t Tokens) nonZero() bool {
	return t.Input != 0 || t.Output != 0 || t.CacheCreation != 0 || t.CacheRead != 0
}

// Entry is one assembled usage record, per spec section 3.
type Entry struct {
	Timestamp   time.Time `json:"timestamp"`
	AgentKind   AgentKind `json:"agent_kind"`
	MessageID   string    `json:"message_id"`
	RequestID   string    `json:"request_id,omitempty"`
	Model       string    `json:"model"`
	Tokens      Tokens    `json:"tokens"`
	CostUSD     *float64  `json:"cost_usd,omitempty"`
	ProjectPath string    `json:"project_path"`
}

// dedupKey is the (agent_kind, message_id, request_id?) identity spec
// section 3 defines for suppressing duplicate usage entries.
type dedupKey struct {
	agentKind AgentKind
	messageID string
	requestID string
}

// Root describes one watched directory tree and how to parse files under
// it.
type Root struct {
	Kind   AgentKind
	Dir    string
	Format Format
}

// Format selects the per-root parsing strategy.
type Format int

const (
	// FormatJSONL tails each file incrementally from its last known byte
	// offset, parsing one JSON object per line.
	FormatJSONL Format = iota
	// FormatJSON parses each whole file once (no incremental tailing).
	FormatJSON
)

type fileState struct {
	lastOffset int64
	lastParsedModTime time.Time
}

// Watcher implements C8.
type Watcher struct {
	roots []Root
	bus   eventbus.EventBus
	log   *logger.Logger

	mu     sync.Mutex
	files  map[string]*fileState
	seen   map[dedupKey]bool

	pollInterval time.Duration
	stop         chan struct{}
	done         chan struct{}
}

const defaultPollInterval = 2 * time.Second

// DefaultRoots resolves the three fixed root kinds, honoring the
// CLAUDE_CONFIG_DIR/CODEX_HOME/OPENCODE_DATA_DIR overrides named in spec
// section 6.
func DefaultRoots() []Root {
	return []Root{
		{Kind: AgentClaudeCode, Dir: filepath.Join(envOr("CLAUDE_CONFIG_DIR", homeJoin(".claude")), "projects"), Format: FormatJSONL},
		{Kind: AgentCodexCLI, Dir: filepath.Join(envOr("CODEX_HOME", homeJoin(".codex")), "sessions"), Format: FormatJSONL},
		{Kind: AgentOpenCode, Dir: filepath.Join(envOr("OPENCODE_DATA_DIR", homeJoin(".local", "share", "opencode")), "storage"), Format: FormatJSON},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func homeJoin(parts ...string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(parts...)
	}
	return filepath.Join(append([]string{home}, parts...)...)
}

// New creates a Watcher over roots, publishing UsageUpdated events on bus.
func New(roots []Root, bus eventbus.EventBus, log *logger.Logger) *Watcher {
	return &Watcher{
		roots:        roots,
		bus:          bus,
		log:          log.WithFields(zap.String("component", "usagewatcher")),
		files:        map[string]*fileState{},
		seen:         map[dedupKey]bool{},
		pollInterval: defaultPollInterval,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start begins the background polling loop, generalized from the
// teacher's workspace_monitor.go stat-based polling idiom to three fixed
// root kinds instead of one workspace.
func (w *Watcher) Start() {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()

		w.scanAll()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				w.scanAll()
			}
		}
	}()
}

// Stop halts the polling loop and waits for it to exit.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

// ScanOnce runs a single synchronous scan pass, exposed for tests and for
// CLI-triggered manual refreshes.
func (w *Watcher) ScanOnce() {
	w.scanAll()
}

func (w *Watcher) scanAll() {
	for _, root := range w.roots {
		w.scanRoot(root)
	}
}

func (w *Watcher) scanRoot(root Root) {
	err := filepath.WalkDir(root.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // missing directories are silently tolerated (spec 4.C8)
		}
		if d.IsDir() {
			return nil
		}
		switch root.Format {
		case FormatJSONL:
			if filepath.Ext(path) == ".jsonl" {
				w.scanJSONL(root.Kind, path)
			}
		case FormatJSON:
			if filepath.Ext(path) == ".json" {
				w.scanJSON(root.Kind, path)
			}
		}
		return nil
	})
	if err != nil {
		w.log.Warn("root scan failed", zap.String("dir", root.Dir), zap.Error(err))
	}
}

func (w *Watcher) scanJSONL(kind AgentKind, path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	w.mu.Lock()
	state, ok := w.files[path]
	if !ok {
		state = &fileState{}
		w.files[path] = state
	}
	if info.Size() < state.lastOffset {
		// Truncation handling per spec 4.C8: reset to 0.
		state.lastOffset = 0
	}
	offset := state.lastOffset
	w.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	if _, err := f.Seek(offset, 0); err != nil {
		return
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	var consumed int64 = offset
	for scanner.Scan() {
		line := scanner.Bytes()
		consumed += int64(len(line)) + 1
		if len(line) == 0 {
			continue
		}
		entry, ok := parseJSONLLine(kind, path, line)
		if !ok {
			continue
		}
		w.emit(entry)
	}

	w.mu.Lock()
	state.lastOffset = consumed
	w.mu.Unlock()
}

func (w *Watcher) scanJSON(kind AgentKind, path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	w.mu.Lock()
	state, ok := w.files[path]
	if !ok {
		state = &fileState{}
		w.files[path] = state
	}
	alreadyParsed := !state.lastParsedModTime.IsZero() && !info.ModTime().After(state.lastParsedModTime)
	w.mu.Unlock()
	if alreadyParsed {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	for _, entry := range parseOpenCodeFile(path, data) {
		w.emit(entry)
	}

	w.mu.Lock()
	state.lastParsedModTime = info.ModTime()
	w.mu.Unlock()
}

// emit checks the dedup set and, for a fresh entry, broadcasts a
// UsageUpdated event.
func (w *Watcher) emit(entry Entry) {
	key := dedupKey{agentKind: entry.AgentKind, messageID: entry.MessageID, requestID: entry.RequestID}

	w.mu.Lock()
	if w.seen[key] {
		w.mu.Unlock()
		return
	}
	w.seen[key] = true
	w.mu.Unlock()

	if w.bus != nil {
		w.bus.Publish(eventbus.New(eventbus.KindUsageUpdated, entry))
	}
}
