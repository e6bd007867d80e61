// Package pricing loads the LiteLLM model pricing table C13 caches to disk
// and turns raw token counts into a cost breakdown for "self" provider
// profiles — the only provider kind this module bills directly, per spec
// section 3's glossary entry for Provider ("self" meaning the agent
// authenticates itself) — grounded on original_source/crates/clownd/src/
// pricing.rs and clown-core/src/usage.rs's CostBreakdown/LiteLLMModelPricing
// types.
package pricing

import (
	"encoding/json"
	"os"
	"strings"
	"sync"

	"github.com/ensemble-dev/ensemble/internal/apierr"
)

// ModelPricing is one LiteLLM pricing table entry, trimmed to the fields
// this module consumes.
type ModelPricing struct {
	InputCostPerToken         *float64 `json:"input_cost_per_token"`
	OutputCostPerToken        *float64 `json:"output_cost_per_token"`
	CacheCreationCostPerToken *float64 `json:"cache_creation_input_token_cost"`
	CacheReadCostPerToken     *float64 `json:"cache_read_input_token_cost"`
}

// Tokens is the minimal token-count shape CalculateCost needs; callers pass
// in usagewatcher.Tokens or telemetry.Tokens values (both structurally
// identical to this).
type Tokens struct {
	Input         int64
	Output        int64
	CacheCreation int64
	CacheRead     int64
}

// Breakdown mirrors the original's CostBreakdown: per-category cost plus a
// total, all in USD.
type Breakdown struct {
	InputCost         float64 `json:"input_cost"`
	OutputCost        float64 `json:"output_cost"`
	CacheCreationCost float64 `json:"cache_creation_cost"`
	CacheReadCost     float64 `json:"cache_read_cost"`
	TotalCost         float64 `json:"total_cost"`
}

// Loader lazily loads and caches the pricing table from the path C13
// refreshes, re-reading the file only when explicitly invalidated.
type Loader struct {
	path string

	mu    sync.RWMutex
	table map[string]ModelPricing
}

// NewLoader creates a Loader over the pricing cache file C13 writes to.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Invalidate clears the in-memory cache, forcing the next lookup to reread
// the file — called after a registry sync refreshes the pricing cache.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.table = nil
}

// HasCache reports whether the pricing cache file exists on disk.
func (l *Loader) HasCache() bool {
	_, err := os.Stat(l.path)
	return err == nil
}

func (l *Loader) ensureLoaded() error {
	l.mu.RLock()
	loaded := l.table != nil
	l.mu.RUnlock()
	if loaded {
		return nil
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return apierr.Newf(apierr.CodeRegistryError, "pricing cache not found, run registry sync first: %v", err)
	}
	var raw map[string]ModelPricing
	if err := json.Unmarshal(data, &raw); err != nil {
		return apierr.Newf(apierr.CodeRegistryError, "pricing cache corrupt: %v", err)
	}

	l.mu.Lock()
	l.table = raw
	l.mu.Unlock()
	return nil
}

// ModelPricing looks up pricing for a model, trying an exact match first
// and falling back to a prefix match in either direction — LiteLLM's table
// key ("claude-3-5-sonnet") is sometimes a prefix of the live model id
// ("claude-3-5-sonnet-20241022") or vice versa, per pricing.rs.
func (l *Loader) ModelPricing(model string) (ModelPricing, bool) {
	if err := l.ensureLoaded(); err != nil {
		return ModelPricing{}, false
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if p, ok := l.table[model]; ok {
		return p, true
	}
	for key, p := range l.table {
		if strings.HasPrefix(model, key) || strings.HasPrefix(key, model) {
			return p, true
		}
	}
	return ModelPricing{}, false
}

// ModelCount returns how many models the loaded pricing table covers.
func (l *Loader) ModelCount() int {
	if err := l.ensureLoaded(); err != nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.table)
}

// CalculateCost returns the cost breakdown for tokens against model's
// pricing, or nil when providerID is not "self" or pricing data is
// unavailable for the model — the same restriction pricing.rs's
// calculate_cost enforces: only "self" provider profiles carry a direct,
// per-token API bill this module can compute; every other provider type
// bills the user out of band.
func (l *Loader) CalculateCost(tokens Tokens, model, providerID string) *Breakdown {
	if providerID != "self" {
		return nil
	}
	p, ok := l.ModelPricing(model)
	if !ok {
		return nil
	}

	b := Breakdown{
		InputCost:         float64(tokens.Input) * deref(p.InputCostPerToken),
		OutputCost:        float64(tokens.Output) * deref(p.OutputCostPerToken),
		CacheCreationCost: float64(tokens.CacheCreation) * deref(p.CacheCreationCostPerToken),
		CacheReadCost:     float64(tokens.CacheRead) * deref(p.CacheReadCostPerToken),
	}
	b.TotalCost = b.InputCost + b.OutputCost + b.CacheCreationCost + b.CacheReadCost
	return &b
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
