// Package detector implements C3, the agent detector: probes whether
// each agent binary is installed, extracts its version, and memoizes the
// result for the daemon's lifetime.
package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ensemble-dev/ensemble/internal/common/logger"
	"github.com/ensemble-dev/ensemble/internal/manifest"
)

const probeTimeout = 3 * time.Second

// Result is the memoized outcome of probing one agent.
type Result struct {
	Installed   bool   `json:"installed"`
	Version     string `json:"version,omitempty"`
	BinaryPath  string `json:"binary_path,omitempty"`
}

// Detector probes agent installation status and caches results both
// in-memory (for the daemon's lifetime) and to a cache file on disk.
type Detector struct {
	mu        sync.RWMutex
	cache     map[string]Result
	cachePath string
	log       *logger.Logger

	lookPath func(string) (string, error)
	runCmd   func(ctx context.Context, name string, args ...string) ([]byte, error)
}

var versionRe = regexp.MustCompile(`\bv?(\d+\.\d+(?:\.\d+)?(?:-[0-9A-Za-z.]+)?)\b`)

// New creates a Detector, loading any previously cached results from
// cachePath (a missing or corrupt cache file is treated as empty, never
// fatal).
func New(cachePath string, log *logger.Logger) *Detector {
	d := &Detector{
		cache:     map[string]Result{},
		cachePath: cachePath,
		log:       log.WithFields(zap.String("component", "detector")),
		lookPath:  exec.LookPath,
		runCmd:    runCommand,
	}
	d.loadCache()
	return d
}

func (d *Detector) loadCache() {
	data, err := os.ReadFile(d.cachePath)
	if err != nil {
		return
	}
	var cached map[string]Result
	if err := json.Unmarshal(data, &cached); err != nil {
		return
	}
	d.cache = cached
}

func (d *Detector) saveCache() {
	data, err := json.MarshalIndent(d.cache, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(d.cachePath), 0o755); err != nil {
		return
	}
	_ = os.WriteFile(d.cachePath, data, 0o644)
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}

// Detect probes a single agent manifest, memoizing and returning the
// result. Order of probes, per spec 4.C3: detect.commands[] in order,
// then detect.files[], then "<binary> <version_flag|--version>".
func (d *Detector) Detect(a manifest.Agent) Result {
	d.mu.RLock()
	if r, ok := d.cache[a.ID]; ok {
		d.mu.RUnlock()
		return r
	}
	d.mu.RUnlock()

	r := d.probe(a)

	d.mu.Lock()
	d.cache[a.ID] = r
	d.mu.Unlock()
	d.saveCache()

	return r
}

func (d *Detector) probe(a manifest.Agent) Result {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	for _, cmdline := range a.Detect.Commands {
		if len(cmdline) == 0 {
			continue
		}
		out, err := d.runCmd(ctx, cmdline[0], cmdline[1:]...)
		if err == nil {
			path, _ := d.lookPath(cmdline[0])
			return Result{Installed: true, Version: extractVersion(out), BinaryPath: path}
		}
	}

	for _, f := range a.Detect.Files {
		if _, err := os.Stat(f); err == nil {
			return Result{Installed: true, BinaryPath: f}
		}
	}

	flag := a.VersionFlag
	if flag == "" {
		flag = "--version"
	}
	out, err := d.runCmd(ctx, a.Binary, flag)
	if err == nil {
		path, _ := d.lookPath(a.Binary)
		return Result{Installed: true, Version: extractVersion(out), BinaryPath: path}
	}

	return Result{Installed: false}
}

// extractVersion returns the first semver-shaped token found in out.
func extractVersion(out []byte) string {
	m := versionRe.FindSubmatch(out)
	if m == nil {
		return ""
	}
	return string(m[1])
}

// Invalidate drops the memoized result for id, forcing a re-probe on the
// next Detect call.
func (d *Detector) Invalidate(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cache, id)
}
