package hub

import (
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/dkeye/classmesh/internal/domain"
)

type SessionInfo struct {
	ID          domain.SessionID `json:"id"`
	MemberCount int              `json:"memberCount"`
}

// Manager keys sessions by id. A session exists while it has subscribers.
type Manager struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*Session
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[domain.SessionID]*Session)}
}

// attach adds sub to its session, creating the session on first use.
func (m *Manager) attach(id domain.SessionID, sub Subscriber) Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		s = newSession(id)
		m.sessions[id] = s
	}
	return s.add(sub)
}

func (m *Manager) Get(id domain.SessionID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	out := lo.MapToSlice(m.sessions, func(id domain.SessionID, s *Session) SessionInfo {
		return SessionInfo{ID: id, MemberCount: s.MemberCount()}
	})
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// pruneIfEmpty drops the session once its last subscriber left.
func (m *Manager) pruneIfEmpty(id domain.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && s.MemberCount() == 0 {
		delete(m.sessions, id)
	}
}

func (m *Manager) Stop(id domain.SessionID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	return s, ok
}
