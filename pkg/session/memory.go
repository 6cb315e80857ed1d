package session

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value     string
	expiresAt time.Time
}

// InMemoryManager keeps every session in process memory. Suitable for a
// single instance; state is lost on restart.
type InMemoryManager struct {
	sessions map[string]map[string]entry
	mutex    sync.RWMutex
	now      func() time.Time
}

// NewInMemoryManager creates an empty in-memory session manager
func NewInMemoryManager() *InMemoryManager {
	return &InMemoryManager{
		sessions: make(map[string]map[string]entry),
		now:      time.Now,
	}
}

// WithClock replaces the clock used for expiry. Intended for tests.
func (m *InMemoryManager) WithClock(now func() time.Time) *InMemoryManager {
	m.now = now
	return m
}

// Session returns the store for id. The session is created on first write.
func (m *InMemoryManager) Session(id string) Store {
	return &memoryStore{manager: m, id: id}
}

// CleanupExpired drops expired entries and empty sessions. Returns the
// number of entries removed.
func (m *InMemoryManager) CleanupExpired() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := m.now()
	removed := 0
	for id, values := range m.sessions {
		for key, e := range values {
			if !now.Before(e.expiresAt) {
				delete(values, key)
				removed++
			}
		}
		if len(values) == 0 {
			delete(m.sessions, id)
		}
	}
	return removed
}

type memoryStore struct {
	manager *InMemoryManager
	id      string
}

func (s *memoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.manager.mutex.RLock()
	defer s.manager.mutex.RUnlock()

	e, ok := s.manager.sessions[s.id][key]
	if !ok || !s.manager.now().Before(e.expiresAt) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *memoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.manager.mutex.Lock()
	defer s.manager.mutex.Unlock()

	values, ok := s.manager.sessions[s.id]
	if !ok {
		values = make(map[string]entry)
		s.manager.sessions[s.id] = values
	}
	values[key] = entry{value: value, expiresAt: s.manager.now().Add(ttl)}
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.manager.mutex.Lock()
	defer s.manager.mutex.Unlock()

	if values, ok := s.manager.sessions[s.id]; ok {
		delete(values, key)
		if len(values) == 0 {
			delete(s.manager.sessions, s.id)
		}
	}
	return nil
}
