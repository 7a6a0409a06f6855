package broker

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/deviceloop/console/internal"
)

// SessionStore tracks sessions created by this console. The store is advisory:
// it and the provider's system of record may disagree transiently, so removal
// of absent IDs is always a no-op rather than an error.
//
// Implementations must support concurrent Track calls without lost updates.
type SessionStore interface {
	// Track adds a session. Closed sessions are never tracked.
	Track(s Session)
	// Sessions returns the tracked sessions ordered by creation time.
	Sessions() []Session
	// Get returns the tracked session with this ID, if any.
	Get(id string) (Session, bool)
	// Remove untracks a session. Absent IDs are a no-op.
	Remove(id string)
	// SweepExpired removes every entry with ExpiresAt <= now and returns how
	// many were removed. Idempotent and safe on an empty store.
	SweepExpired(now time.Time) int
}

// MemorySessionStore is the in-process SessionStore. It is owned by the
// console instance that created it and is not shared across instances.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]Session),
	}
}

func (m *MemorySessionStore) Track(s Session) {
	internal.Assert("tracked session is not closed", s.State != SessionClosed)
	if s.State == SessionClosed {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

func (m *MemorySessionStore) Sessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		result = append(result, s)
	}
	slices.SortFunc(result, func(a, b Session) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(a.ID, b.ID)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return result
}

func (m *MemorySessionStore) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *MemorySessionStore) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

func (m *MemorySessionStore) SweepExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	// collect first, then delete: never mutate while ranging
	var expired []string
	for id, s := range m.sessions {
		if s.Expired(now) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(m.sessions, id)
	}
	return len(expired)
}
