package profile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ensemble-dev/ensemble/internal/apierr"
	"github.com/ensemble-dev/ensemble/internal/common/logger"
	"github.com/ensemble-dev/ensemble/internal/keychain"
)

// CreateRequest is the input to Store.Create.
type CreateRequest struct {
	Alias      string
	AgentID    string
	ProviderID string
	EndpointID string
	Model      string
	Env        map[string]string
	Args       []string
	WorkingDir string
	APIKey     string
}

// Store implements C2: CRUD of profile records on disk, keyed by alias,
// plus the keychain handle for each profile's credential.
type Store struct {
	mu          sync.RWMutex
	dir         string
	credentials keychain.Store
	log         *logger.Logger
}

// NewStore opens a profile store rooted at dir (created if absent).
func NewStore(dir string, credentials keychain.Store, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{
		dir:         dir,
		credentials: credentials,
		log:         log.WithFields(zap.String("component", "profile_store")),
	}, nil
}

func (s *Store) path(alias string) string {
	return filepath.Join(s.dir, alias+".json")
}

// Create builds a new profile from req with its home directory at home,
// creating that directory if needed and storing req.APIKey in the
// keychain when set. It fails with ProfileExists if the alias is taken.
func (s *Store) Create(req CreateRequest, home string) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(req.Alias)
	if _, err := os.Stat(path); err == nil {
		return nil, apierr.ProfileExists(req.Alias)
	}

	if err := os.MkdirAll(home, 0o755); err != nil {
		return nil, apierr.Internal(err)
	}

	if req.APIKey != "" {
		if err := s.credentials.Set(keychain.Handle(req.Alias), req.APIKey); err != nil {
			return nil, apierr.Internal(err)
		}
	}

	now := time.Now()
	p := &Profile{
		Alias:      req.Alias,
		AgentID:    req.AgentID,
		ProviderID: req.ProviderID,
		EndpointID: req.EndpointID,
		Model:      req.Model,
		Env:        req.Env,
		Args:       req.Args,
		WorkingDir: req.WorkingDir,
		Metadata: Metadata{
			Home:      home,
			CreatedAt: now,
		},
	}

	if err := s.writeAtomic(p); err != nil {
		return nil, apierr.Internal(err)
	}
	s.log.Info("profile created", zap.String("alias", req.Alias))
	return p, nil
}

// List returns every profile, optionally filtered by agentID, sorted by
// alias.
func (s *Store) List(agentID string) ([]*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apierr.Internal(err)
	}

	var out []*Profile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		p, err := s.readFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.log.Warn("skipping unreadable profile file", zap.String("path", e.Name()))
			continue
		}
		if agentID != "" && p.AgentID != agentID {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out, nil
}

// Get returns the profile for alias.
func (s *Store) Get(alias string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(alias)
}

func (s *Store) get(alias string) (*Profile, error) {
	p, err := s.readFile(s.path(alias))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierr.ProfileNotFound(alias)
		}
		return nil, apierr.Internal(err)
	}
	return p, nil
}

func (s *Store) readFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Update overwrites the stored record for profile.Alias. The profile must
// already exist.
func (s *Store) Update(p *Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path(p.Alias)); err != nil {
		return apierr.ProfileNotFound(p.Alias)
	}
	if err := s.writeAtomic(p); err != nil {
		return apierr.Internal(err)
	}
	return nil
}

// Delete removes the profile record (but preserves its home directory,
// per the explicit policy in spec section 3) and best-effort removes its
// keychain entry.
func (s *Store) Delete(alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(alias)
	if _, err := os.Stat(path); err != nil {
		return apierr.ProfileNotFound(alias)
	}
	if err := os.Remove(path); err != nil {
		return apierr.Internal(err)
	}

	if err := s.credentials.Remove(keychain.Handle(alias)); err != nil {
		s.log.Warn("keychain delete failed (best-effort)", zap.String("alias", alias), zap.Error(err))
	}
	return nil
}

// MarkUsed bumps total_runs and sets last_used to now.
func (s *Store) MarkUsed(alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.get(alias)
	if err != nil {
		return err
	}
	now := time.Now()
	p.Metadata.LastUsed = &now
	p.Metadata.TotalRuns++
	return s.writeAtomic(p)
}

// GetEnv returns the filtered env map for alias (reserved keys excluded).
func (s *Store) GetEnv(alias string) (map[string]string, error) {
	p, err := s.Get(alias)
	if err != nil {
		return nil, err
	}
	return p.FilteredEnv(), nil
}

// GetHome returns the home directory for alias.
func (s *Store) GetHome(alias string) (string, error) {
	p, err := s.Get(alias)
	if err != nil {
		return "", err
	}
	return p.Metadata.Home, nil
}

// GetAPIKey reads the profile's credential from the keychain. Returns an
// empty string, no error, if no credential is stored.
func (s *Store) GetAPIKey(alias string) (string, error) {
	key, err := s.credentials.Get(keychain.Handle(alias))
	if err != nil {
		if err == keychain.ErrNotFound {
			return "", nil
		}
		return "", apierr.Internal(err)
	}
	return key, nil
}

// writeAtomic marshals p and writes it via a temp-file-then-rename so a
// reader never observes a partially written profile file.
func (s *Store) writeAtomic(p *Profile) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, p.Alias+".json.tmp-*")
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
	return os.Rename(tmpPath, s.path(p.Alias))
}
