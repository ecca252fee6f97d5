// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agent-warden/warden/internal/domain/auth"
)

// findByPrefixCap bounds how many candidate rows a prefix lookup returns.
const findByPrefixCap = 10

// AuthStore implements auth.KeyStore and auth.EnvStore with in-memory maps.
// Thread-safe for concurrent access. For development/testing only.
type AuthStore struct {
	keys map[string]*auth.APIKey      // ID -> key record
	envs map[string]*auth.Environment // ID -> environment
	mu   sync.RWMutex
}

// NewAuthStore creates a new in-memory auth store.
func NewAuthStore() *AuthStore {
	return &AuthStore{
		keys: make(map[string]*auth.APIKey),
		envs: make(map[string]*auth.Environment),
	}
}

// Create stores a new API key record.
func (s *AuthStore) Create(ctx context.Context, key *auth.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys[key.ID] = copyKey(key)
	return nil
}

// GetByID retrieves a key record by ID.
// Returns auth.ErrKeyNotFound if it doesn't exist.
func (s *AuthStore) GetByID(ctx context.Context, id string) (*auth.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[id]
	if !ok {
		return nil, auth.ErrKeyNotFound
	}
	return copyKey(key), nil
}

// FindByPrefix returns key records matching the stored prefix, revoked
// included, active first, capped.
func (s *AuthStore) FindByPrefix(ctx context.Context, prefix string) ([]*auth.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*auth.APIKey
	for _, key := range s.keys {
		if key.Prefix == prefix {
			result = append(result, copyKey(key))
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Revoked() != result[j].Revoked() {
			return !result[i].Revoked()
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > findByPrefixCap {
		result = result[:findByPrefixCap]
	}
	return result, nil
}

// ListByEnv returns all key records for an environment, newest first.
func (s *AuthStore) ListByEnv(ctx context.Context, envID string) ([]*auth.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*auth.APIKey
	for _, key := range s.keys {
		if key.EnvID == envID {
			result = append(result, copyKey(key))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// Revoke marks a key revoked.
// Returns auth.ErrKeyNotFound if it doesn't exist.
func (s *AuthStore) Revoke(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[id]
	if !ok {
		return auth.ErrKeyNotFound
	}
	at = at.UTC()
	key.RevokedAt = &at
	return nil
}

// CreateEnv stores a new environment.
func (s *AuthStore) CreateEnv(ctx context.Context, env *auth.Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.envs[env.ID]; ok {
		return auth.ErrEnvExists
	}
	c := *env
	s.envs[env.ID] = &c
	return nil
}

// GetEnv retrieves an environment by ID.
func (s *AuthStore) GetEnv(ctx context.Context, id string) (*auth.Environment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	env, ok := s.envs[id]
	if !ok {
		return nil, auth.ErrEnvNotFound
	}
	c := *env
	return &c, nil
}

// ListEnvs returns all environments, oldest first.
func (s *AuthStore) ListEnvs(ctx context.Context) ([]*auth.Environment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*auth.Environment, 0, len(s.envs))
	for _, env := range s.envs {
		c := *env
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// copyKey creates a deep copy of a key record.
func copyKey(key *auth.APIKey) *auth.APIKey {
	c := *key
	if key.RevokedAt != nil {
		t := *key.RevokedAt
		c.RevokedAt = &t
	}
	return &c
}

// Compile-time interface verification.
var (
	_ auth.KeyStore = (*AuthStore)(nil)
	_ auth.EnvStore = (*AuthStore)(nil)
)
