package ptyfabric

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ensemble-dev/ensemble/internal/apierr"
	"github.com/ensemble-dev/ensemble/internal/common/logger"
)

// Manager owns every live session, indexed by ID and by profile alias, per
// spec 4.C10's manager{sessions, profile_index} shape, grounded on the
// teacher's map[string]*Process + mutex pattern in
// internal/agentctl/server/process/manager.go, narrowed to the
// one-session-per-profile invariant spec section 3 requires.
type Manager struct {
	mu           sync.RWMutex
	sessions     map[uuid.UUID]*Session
	profileIndex map[string]uuid.UUID

	log *logger.Logger
}

// NewManager creates an empty Manager.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		sessions:     map[uuid.UUID]*Session{},
		profileIndex: map[string]uuid.UUID{},
		log:          log.WithFields(zap.String("component", "pty_manager")),
	}
}

// Create spawns a new session for opts.ProfileAlias, rejecting the
// request if that alias already has a non-terminated session, per spec
// section 3's invariant.
func (m *Manager) Create(opts CreateOptions) (*Session, error) {
	m.mu.Lock()
	if id, ok := m.profileIndex[opts.ProfileAlias]; ok {
		if existing, ok := m.sessions[id]; ok && existing.Info().State != StateTerminated {
			m.mu.Unlock()
			return nil, apierr.New(apierr.CodeProxyRunning, "terminal session already running for profile: "+opts.ProfileAlias)
		}
	}

	session := newSession(opts, m.log)
	m.sessions[session.ID] = session
	m.profileIndex[opts.ProfileAlias] = session.ID
	m.mu.Unlock()

	if err := session.start(opts); err != nil {
		m.mu.Lock()
		delete(m.sessions, session.ID)
		delete(m.profileIndex, opts.ProfileAlias)
		m.mu.Unlock()
		return nil, apierr.New(apierr.CodeExecutionFailed, err.Error())
	}

	return session, nil
}

// Get returns the session for id.
func (m *Manager) Get(id uuid.UUID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// GetByProfile returns the session currently indexed for alias.
func (m *Manager) GetByProfile(alias string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.profileIndex[alias]
	if !ok {
		return nil, false
	}
	s, ok := m.sessions[id]
	return s, ok
}

// List returns every tracked session's Info.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	return out
}

// Terminate signals the session for id to stop.
func (m *Manager) Terminate(id uuid.UUID) error {
	s, ok := m.Get(id)
	if !ok {
		return apierr.New(apierr.CodeRouteNotFound, "terminal session not found")
	}
	s.Terminate()
	return nil
}

// TerminateAll signals every tracked session to stop, per spec 4.C12's
// shutdown sequence.
func (m *Manager) TerminateAll() {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.Terminate()
	}
}

// Cleanup removes terminated sessions from both maps, releasing the
// profile index so a fresh session can be created for that alias.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for alias, id := range m.profileIndex {
		s, ok := m.sessions[id]
		if !ok || s.Info().State == StateTerminated {
			delete(m.profileIndex, alias)
			delete(m.sessions, id)
		}
	}
}
