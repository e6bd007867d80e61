package manifest

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/ensemble-dev/ensemble/internal/common/logger"
)

//go:embed builtin/agents/*.toml
var embeddedAgents embed.FS

//go:embed builtin/providers/*.toml
var embeddedProviders embed.FS

// Registry holds the loaded agent and provider manifests, keyed by ID.
// Overlay files from the user's agents.d/providers.d directories win on ID
// collision against the embedded defaults.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]Agent
	providers map[string]Provider

	agentsDir    string
	providersDir string
	log          *logger.Logger
	watcher      *fsnotify.Watcher
}

// Load reads the embedded manifests, then overlays agentsDir/providersDir.
// Failure to parse an embedded manifest is fatal (spec 4.C1/7); a malformed
// user overlay file is skipped with a warning, never fatal.
func Load(agentsDir, providersDir string, log *logger.Logger) (*Registry, error) {
	r := &Registry{
		agents:       map[string]Agent{},
		providers:    map[string]Provider{},
		agentsDir:    agentsDir,
		providersDir: providersDir,
		log:          log.WithFields(zap.String("component", "manifest")),
	}

	if err := r.loadEmbeddedAgents(); err != nil {
		return nil, fmt.Errorf("parse embedded agent manifests: %w", err)
	}
	if err := r.loadEmbeddedProviders(); err != nil {
		return nil, fmt.Errorf("parse embedded provider manifests: %w", err)
	}

	r.overlayAgents(agentsDir)
	r.overlayProviders(providersDir)

	return r, nil
}

func (r *Registry) loadEmbeddedAgents() error {
	entries, err := embeddedAgents.ReadDir("builtin/agents")
	if err != nil {
		return err
	}
	for _, e := range entries {
		data, err := embeddedAgents.ReadFile(filepath.Join("builtin/agents", e.Name()))
		if err != nil {
			return err
		}
		var a Agent
		if err := toml.Unmarshal(data, &a); err != nil {
			return fmt.Errorf("%s: %w", e.Name(), err)
		}
		r.agents[a.ID] = a
	}
	return nil
}

func (r *Registry) loadEmbeddedProviders() error {
	entries, err := embeddedProviders.ReadDir("builtin/providers")
	if err != nil {
		return err
	}
	for _, e := range entries {
		data, err := embeddedProviders.ReadFile(filepath.Join("builtin/providers", e.Name()))
		if err != nil {
			return err
		}
		var p Provider
		if err := toml.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("%s: %w", e.Name(), err)
		}
		r.providers[p.ID] = p
	}
	return nil
}

func (r *Registry) overlayAgents(dir string) {
	files, err := filepath.Glob(filepath.Join(dir, "*.toml"))
	if err != nil {
		return
	}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			r.log.Warn("skipping unreadable agent manifest", zap.Error(err), zap.String("path", f))
			continue
		}
		var a Agent
		if err := toml.Unmarshal(data, &a); err != nil || a.ID == "" {
			r.log.Warn("skipping malformed agent manifest", zap.String("path", f))
			continue
		}
		r.mu.Lock()
		r.agents[a.ID] = a
		r.mu.Unlock()
	}
}

func (r *Registry) overlayProviders(dir string) {
	files, err := filepath.Glob(filepath.Join(dir, "*.toml"))
	if err != nil {
		return
	}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			r.log.Warn("skipping unreadable provider manifest", zap.Error(err), zap.String("path", f))
			continue
		}
		var p Provider
		if err := toml.Unmarshal(data, &p); err != nil || p.ID == "" {
			r.log.Warn("skipping malformed provider manifest", zap.String("path", f))
			continue
		}
		r.mu.Lock()
		r.providers[p.ID] = p
		r.mu.Unlock()
	}
}

// Reload re-reads the overlay directories, leaving embedded defaults
// untouched and re-applying overlay precedence.
func (r *Registry) Reload() {
	r.overlayAgents(r.agentsDir)
	r.overlayProviders(r.providersDir)
}

// Watch starts an fsnotify watcher on agentsDir/providersDir and calls
// Reload on any write/create/remove event. Missing directories are
// tolerated: the watch is simply skipped for that root.
func (r *Registry) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, dir := range []string{r.agentsDir, r.providersDir} {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := w.Add(dir); err != nil {
			r.log.Warn("failed to watch manifest directory", zap.String("path", dir))
		}
	}
	r.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					r.Reload()
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// Close stops the manifest watcher, if running.
func (r *Registry) Close() error {
	if r.watcher == nil {
		return nil
	}
	return r.watcher.Close()
}

// Agent returns the agent manifest for id.
func (r *Registry) Agent(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// Provider returns the provider manifest for id.
func (r *Registry) Provider(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// Agents returns all known agents sorted by ID.
func (r *Registry) Agents() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Providers returns all known providers sorted by ID.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
