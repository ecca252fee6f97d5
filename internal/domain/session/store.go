package session

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no session exists for the key.
	ErrNotFound = errors.New("session not found")
	// ErrCorrupted is returned when a stored session cannot be decoded.
	ErrCorrupted = errors.New("session state corrupted")
)

// Store provides session persistence with a per-session critical section.
// This interface is defined in the domain to avoid circular imports.
// Implementations: SQL (prod), in-memory (dev and test).
type Store interface {
	// GetOrCreate returns the session for (envID, sessionID), creating it
	// from the seed if absent. Concurrent first calls for the same key must
	// converge on a single record. The bool reports whether this call
	// created it.
	GetOrCreate(ctx context.Context, envID, sessionID string, seed Seed) (*Session, bool, error)

	// Get returns the session for (envID, sessionID), or ErrNotFound.
	Get(ctx context.Context, envID, sessionID string) (*Session, error)

	// WithLock runs fn while holding an exclusive lock on the session. fn
	// receives the freshest stored state and may mutate it; returning true
	// persists the mutation atomically with the lock release. Two WithLock
	// calls for the same key never interleave.
	WithLock(ctx context.Context, envID, sessionID string, fn func(s *Session) (bool, error)) error
}
