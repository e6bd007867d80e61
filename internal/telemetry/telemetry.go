// Package telemetry implements C7: the append-only session log and the
// rewritten aggregates file that summarizes it by agent, provider, and
// profile.
package telemetry

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ensemble-dev/ensemble/internal/apierr"
	"github.com/ensemble-dev/ensemble/internal/common/logger"
)

// Session is one append-only record in sessions.jsonl, per spec section 3.
type Session struct {
	Profile      string     `json:"profile"`
	AgentID      string     `json:"agent_id"`
	ProviderID   string     `json:"provider_id"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	DurationSecs *float64   `json:"duration_secs,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
}

// Tokens holds the per-dimension token/cost figures merged in from the
// usage watcher, per spec 9's session/usage merge open question.
type Tokens struct {
	Input         int64 `json:"input"`
	Output        int64 `json:"output"`
	CacheCreation int64 `json:"cache_creation"`
	CacheRead     int64 `json:"cache_read"`
}

// DimensionStats is one entry of an aggregates map (by_agent/by_provider/
// by_profile), per spec section 3.
type DimensionStats struct {
	Sessions   int        `json:"sessions"`
	RuntimeSecs float64   `json:"runtime_secs"`
	LastUsed   *time.Time `json:"last_used,omitempty"`
	Tokens     *Tokens    `json:"tokens,omitempty"`
	CostUSD    *float64   `json:"cost,omitempty"`
}

// Aggregates is the single rewritten totals file, per spec section 3.
type Aggregates struct {
	ByAgent      map[string]*DimensionStats `json:"by_agent"`
	ByProvider   map[string]*DimensionStats `json:"by_provider"`
	ByProfile    map[string]*DimensionStats `json:"by_profile"`
	TotalSessions int                       `json:"total_sessions"`
	TotalRuntime  float64                   `json:"total_runtime_secs"`
}

func newAggregates() *Aggregates {
	return &Aggregates{
		ByAgent:    map[string]*DimensionStats{},
		ByProvider: map[string]*DimensionStats{},
		ByProfile:  map[string]*DimensionStats{},
	}
}

// Recorder implements C7.
type Recorder struct {
	mu             sync.Mutex
	sessionsPath   string
	aggregatesPath string
	log            *logger.Logger
}

// NewRecorder opens a Recorder rooted at the given file paths (their parent
// directories must already exist, per the layout C1 establishes).
func NewRecorder(sessionsPath, aggregatesPath string, log *logger.Logger) *Recorder {
	return &Recorder{
		sessionsPath:   sessionsPath,
		aggregatesPath: aggregatesPath,
		log:            log.WithFields(zap.String("component", "telemetry")),
	}
}

// RecordSession appends s to sessions.jsonl, then best-effort updates
// aggregates.json. A failure to update aggregates is logged as a warning
// but never masks the successful append, per spec section 7.
func (r *Recorder) RecordSession(s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.append(s); err != nil {
		return apierr.Internal(err)
	}

	if err := r.updateAggregates(s); err != nil {
		r.log.Warn("aggregate update failed (best-effort)", zap.Error(err))
	}
	return nil
}

func (r *Recorder) append(s Session) error {
	if err := os.MkdirAll(filepath.Dir(r.sessionsPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(r.sessionsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

func (r *Recorder) updateAggregates(s Session) error {
	agg, err := r.readAggregates()
	if err != nil {
		return err
	}

	duration := 0.0
	if s.DurationSecs != nil {
		duration = *s.DurationSecs
	}

	bump(agg.ByAgent, s.AgentID, s.StartedAt, duration)
	bump(agg.ByProvider, s.ProviderID, s.StartedAt, duration)
	bump(agg.ByProfile, s.Profile, s.StartedAt, duration)
	agg.TotalSessions++
	agg.TotalRuntime += duration

	return r.writeAggregates(agg)
}

func bump(m map[string]*DimensionStats, key string, startedAt time.Time, duration float64) {
	if key == "" {
		return
	}
	stats, ok := m[key]
	if !ok {
		stats = &DimensionStats{}
		m[key] = stats
	}
	stats.Sessions++
	stats.RuntimeSecs += duration
	t := startedAt
	stats.LastUsed = &t
}

func (r *Recorder) readAggregates() (*Aggregates, error) {
	data, err := os.ReadFile(r.aggregatesPath)
	if err != nil {
		if os.IsNotExist(err) {
			return newAggregates(), nil
		}
		return nil, err
	}
	agg := newAggregates()
	if err := json.Unmarshal(data, agg); err != nil {
		return nil, err
	}
	if agg.ByAgent == nil {
		agg.ByAgent = map[string]*DimensionStats{}
	}
	if agg.ByProvider == nil {
		agg.ByProvider = map[string]*DimensionStats{}
	}
	if agg.ByProfile == nil {
		agg.ByProfile = map[string]*DimensionStats{}
	}
	return agg, nil
}

func (r *Recorder) writeAggregates(agg *Aggregates) error {
	data, err := json.MarshalIndent(agg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.aggregatesPath), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.aggregatesPath), "aggregates.json.tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, r.aggregatesPath)
}

// GetStats returns the aggregates, optionally narrowed to a single agent
// and/or provider's dimension entry.
func (r *Recorder) GetStats(agentID, providerID string) (*Aggregates, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agg, err := r.readAggregates()
	if err != nil {
		return nil, apierr.Internal(err)
	}
	if agentID == "" && providerID == "" {
		return agg, nil
	}

	filtered := newAggregates()
	filtered.TotalSessions = agg.TotalSessions
	filtered.TotalRuntime = agg.TotalRuntime
	if agentID != "" {
		if v, ok := agg.ByAgent[agentID]; ok {
			filtered.ByAgent[agentID] = v
		}
	}
	if providerID != "" {
		if v, ok := agg.ByProvider[providerID]; ok {
			filtered.ByProvider[providerID] = v
		}
	}
	return filtered, nil
}

// MergeUsage folds token/cost figures attributed to profileAlias into both
// by_profile and (when known) by_agent dimension entries. This implements
// the session/usage merge policy DESIGN.md records as an Open Question
// decision: bucketed by profile, summed, never mutating already-written
// usage entries in place.
func (r *Recorder) MergeUsage(profileAlias, agentID string, tokens Tokens, costUSD float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agg, err := r.readAggregates()
	if err != nil {
		return apierr.Internal(err)
	}

	mergeTokens(agg.ByProfile, profileAlias, tokens, costUSD)
	if agentID != "" {
		mergeTokens(agg.ByAgent, agentID, tokens, costUSD)
	}

	if err := r.writeAggregates(agg); err != nil {
		return apierr.Internal(err)
	}
	return nil
}

func mergeTokens(m map[string]*DimensionStats, key string, tokens Tokens, costUSD float64) {
	if key == "" {
		return
	}
	stats, ok := m[key]
	if !ok {
		stats = &DimensionStats{}
		m[key] = stats
	}
	if stats.Tokens == nil {
		stats.Tokens = &Tokens{}
	}
	stats.Tokens.Input += tokens.Input
	stats.Tokens.Output += tokens.Output
	stats.Tokens.CacheCreation += tokens.CacheCreation
	stats.Tokens.CacheRead += tokens.CacheRead

	if costUSD != 0 {
		if stats.CostUSD == nil {
			c := 0.0
			stats.CostUSD = &c
		}
		*stats.CostUSD += costUSD
	}
}

// LoadRecentSessions streams the tail of sessions.jsonl, returning at most
// n most-recent sessions in file order.
func (r *Recorder) LoadRecentSessions(n int) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.Open(r.sessionsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apierr.Internal(err)
	}
	defer f.Close()

	var all []Session
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var s Session
		if err := json.Unmarshal(line, &s); err != nil {
			r.log.Warn("skipping malformed session line", zap.Error(err))
			continue
		}
		all = append(all, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, apierr.Internal(err)
	}

	if n <= 0 || n >= len(all) {
		return all, nil
	}
	return all[len(all)-n:], nil
}
