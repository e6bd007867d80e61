// Package registrysync implements C13: fetching the manifest index and
// artifacts from a remote GitHub source, maintaining a lock file, and
// best-effort refreshing the LiteLLM pricing table.
package registrysync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/go-github/v74/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/ensemble-dev/ensemble/internal/apierr"
	"github.com/ensemble-dev/ensemble/internal/common/logger"
)

// maxConcurrentFetches bounds how many artifact files are downloaded from
// GitHub at once during a sync, per spec 4.C13.
const maxConcurrentFetches = 4

// githubTokenEnv optionally raises the default GitHub API rate limit for
// registry syncs, the same way the CLI's own credential resolves for
// provider API keys.
const githubTokenEnv = "ENSEMBLE_GITHUB_TOKEN"

// resyncInterval is the minimum time between non-forced syncs, per spec
// 4.C13.
const resyncInterval = 24 * time.Hour

const pricingURL = "https://raw.githubusercontent.com/BerriAI/litellm/main/litellm/model_prices_and_context_window_backup.json"

// Lock is the persisted registry.lock shape, per spec section 6.
type Lock struct {
	Channel  string    `json:"channel"`
	Commit   string    `json:"commit"`
	LastSync time.Time `json:"last_sync"`
	PinnedRef string   `json:"pinned_ref,omitempty"`
}

// IndexEntry is one entry of the fetched registry.json index.
type IndexEntry struct {
	Path     string `json:"path"`
	Checksum string `json:"checksum,omitempty"`
	Version  string `json:"version,omitempty"`
}

// Index is the registry.json shape, per spec 4.C13.
type Index struct {
	Agents    map[string]IndexEntry `json:"agents"`
	Providers map[string]IndexEntry `json:"providers"`
	Scripts   map[string]IndexEntry `json:"scripts"`
}

// Status is the reported outcome of a sync, whether fresh or derived
// from the existing lock in offline mode.
type Status struct {
	Channel  string    `json:"channel"`
	Commit   string    `json:"commit"`
	LastSync time.Time `json:"last_sync"`
	Synced   bool      `json:"synced"`
	Skipped  bool      `json:"skipped"`
}

// Syncer implements C13.
type Syncer struct {
	mu sync.Mutex

	lockPath    string
	commitsDir  string
	pricingPath string

	owner, repo, channel string

	gh         *github.Client
	httpClient *http.Client
	log        *logger.Logger

	// now is overridden in tests.
	now func() time.Time
}

// Config configures the remote source a Syncer fetches from.
type Config struct {
	Owner       string
	Repo        string
	Channel     string
	LockPath    string
	CommitsDir  string
	PricingPath string
}

// New creates a Syncer.
func New(cfg Config, log *logger.Logger) *Syncer {
	channel := cfg.Channel
	if channel == "" {
		channel = "main"
	}

	ghClient := http.DefaultClient
	if token := os.Getenv(githubTokenEnv); token != "" {
		ghClient = oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: token},
		))
	}

	return &Syncer{
		lockPath:    cfg.LockPath,
		commitsDir:  cfg.CommitsDir,
		pricingPath: cfg.PricingPath,
		owner:       cfg.Owner,
		repo:        cfg.Repo,
		channel:     channel,
		gh:          github.NewClient(ghClient),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		log:         log.WithFields(zap.String("component", "registrysync")),
		now:         time.Now,
	}
}

func (s *Syncer) readLock() (*Lock, error) {
	data, err := os.ReadFile(s.lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Lock{Channel: s.channel}, nil
		}
		return nil, err
	}
	var l Lock
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Syncer) writeLock(l *Lock) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.lockPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.lockPath, data, 0o644)
}

// Sync fetches registry.json and its artifacts when force is set or the
// last sync is stale, then best-effort refreshes the pricing table.
// offline skips any network access and reports the current lock-derived
// status, per spec 4.C13.
func (s *Syncer) Sync(ctx context.Context, force, offline bool) (*Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := s.readLock()
	if err != nil {
		return nil, apierr.RegistryError(err)
	}

	if offline {
		return &Status{Channel: lock.Channel, Commit: lock.Commit, LastSync: lock.LastSync, Synced: false, Skipped: true}, nil
	}

	if !force && !lock.LastSync.IsZero() && s.now().Sub(lock.LastSync) < resyncInterval {
		return &Status{Channel: lock.Channel, Commit: lock.Commit, LastSync: lock.LastSync, Synced: false, Skipped: true}, nil
	}

	ref := s.channel
	if lock.PinnedRef != "" {
		ref = lock.PinnedRef
	}

	index, commit, err := s.fetchIndex(ctx, ref)
	if err != nil {
		return nil, apierr.RegistryError(err)
	}

	if err := s.fetchArtifacts(ctx, ref, commit, index); err != nil {
		return nil, apierr.RegistryError(err)
	}

	if err := s.refreshPricing(ctx); err != nil {
		s.log.Warn("pricing refresh failed (non-fatal)", zap.Error(err))
	}

	lock.Channel = s.channel
	lock.Commit = commit
	lock.LastSync = s.now()
	lock.PinnedRef = lock.PinnedRef

	if err := s.writeLock(lock); err != nil {
		return nil, apierr.RegistryError(err)
	}

	return &Status{Channel: lock.Channel, Commit: lock.Commit, LastSync: lock.LastSync, Synced: true}, nil
}

// Pin sets a fixed ref for future syncs (empty ref returns to tracking
// the channel head).
func (s *Syncer) Pin(ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := s.readLock()
	if err != nil {
		return apierr.RegistryError(err)
	}
	lock.PinnedRef = ref
	if err := s.writeLock(lock); err != nil {
		return apierr.RegistryError(err)
	}
	return nil
}

// Inspect returns the current lock-derived status without any network
// access.
func (s *Syncer) Inspect() (*Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := s.readLock()
	if err != nil {
		return nil, apierr.RegistryError(err)
	}
	return &Status{Channel: lock.Channel, Commit: lock.Commit, LastSync: lock.LastSync}, nil
}

func (s *Syncer) fetchIndex(ctx context.Context, ref string) (*Index, string, error) {
	commits, _, err := s.gh.Repositories.ListCommits(ctx, s.owner, s.repo, &github.CommitsListOptions{
		SHA:         ref,
		ListOptions: github.ListOptions{PerPage: 1},
	})
	if err != nil {
		return nil, "", fmt.Errorf("resolve ref %s: %w", ref, err)
	}
	if len(commits) == 0 {
		return nil, "", fmt.Errorf("no commits found for ref %s", ref)
	}
	commit := commits[0].GetSHA()

	data, err := s.fetchFile(ctx, commit, "registry.json")
	if err != nil {
		return nil, "", err
	}
	var index Index
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, "", fmt.Errorf("parse registry.json: %w", err)
	}
	return &index, commit, nil
}

func (s *Syncer) fetchFile(ctx context.Context, ref, path string) ([]byte, error) {
	rc, _, err := s.gh.Repositories.DownloadContents(ctx, s.owner, s.repo, path, &github.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// fetchArtifacts downloads every agent/provider/script file named in index
// concurrently, bounded to maxConcurrentFetches in flight, canceling the
// remaining fetches as soon as one fails.
func (s *Syncer) fetchArtifacts(ctx context.Context, ref, commit string, index *Index) error {
	dest := filepath.Join(s.commitsDir, commit)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)

	for kind, entries := range map[string]map[string]IndexEntry{
		"agents":    index.Agents,
		"providers": index.Providers,
		"scripts":   index.Scripts,
	} {
		for id, entry := range entries {
			kind, id, entry := kind, id, entry
			g.Go(func() error {
				data, err := s.fetchFile(gctx, ref, entry.Path)
				if err != nil {
					return fmt.Errorf("fetch %s %s: %w", kind, id, err)
				}
				outPath := filepath.Join(dest, kind, filepath.Base(entry.Path))
				if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
					return err
				}
				return os.WriteFile(outPath, data, 0o644)
			})
		}
	}
	return g.Wait()
}

func (s *Syncer) refreshPricing(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pricingURL, nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pricing fetch: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.pricingPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.pricingPath, data, 0o644)
}
