// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/agent-warden/warden/internal/domain/session"
)

// MemorySessionStore implements session.Store with an in-memory map and a
// per-session mutex for the WithLock critical section.
// Thread-safe for concurrent access. For development/testing only.
type MemorySessionStore struct {
	mu       sync.Mutex // guards sessions and locks
	sessions map[string]*session.Session
	locks    map[string]*sync.Mutex
}

// NewSessionStore creates a new in-memory session store.
func NewSessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*session.Session),
		locks:    make(map[string]*sync.Mutex),
	}
}

func sessionKey(envID, sessionID string) string {
	// NUL never appears in either component.
	return envID + "\x00" + sessionID
}

// GetOrCreate returns the session for (envID, sessionID), creating it from
// the seed if absent. Creation is atomic under the store mutex, so
// concurrent first calls converge on one record.
func (s *MemorySessionStore) GetOrCreate(ctx context.Context, envID, sessionID string, seed session.Seed) (*session.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := sessionKey(envID, sessionID)
	if existing, ok := s.sessions[k]; ok {
		return existing.Clone(), false, nil
	}
	created := session.New(envID, sessionID, seed, time.Now())
	s.sessions[k] = created
	return created.Clone(), true, nil
}

// Get retrieves a session by key.
func (s *MemorySessionStore) Get(ctx context.Context, envID, sessionID string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionKey(envID, sessionID)]
	if !ok {
		return nil, session.ErrNotFound
	}
	return sess.Clone(), nil
}

// WithLock serializes fn against every other WithLock call for the same
// session. fn gets a private clone; returning true writes the clone back.
func (s *MemorySessionStore) WithLock(ctx context.Context, envID, sessionID string, fn func(sess *session.Session) (bool, error)) error {
	k := sessionKey(envID, sessionID)

	s.mu.Lock()
	lock, ok := s.locks[k]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[k] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	stored, ok := s.sessions[k]
	s.mu.Unlock()
	if !ok {
		return session.ErrNotFound
	}

	working := stored.Clone()
	persist, err := fn(working)
	if err != nil {
		return err
	}
	if persist {
		s.mu.Lock()
		s.sessions[k] = working.Clone()
		s.mu.Unlock()
	}
	return nil
}

// Size returns the number of sessions currently stored.
// Useful for testing.
func (s *MemorySessionStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Compile-time interface verification.
var _ session.Store = (*MemorySessionStore)(nil)
