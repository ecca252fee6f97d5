package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agent-warden/warden/internal/domain/auth"
)

// KeyService manages environments and the runtime API keys scoped to them.
// The raw key material is returned exactly once at mint time; afterwards only
// the hash and lookup prefix exist.
type KeyService struct {
	keys      auth.KeyStore
	envs      auth.EnvStore
	logger    *slog.Logger
	prefixLen int
}

// NewKeyService creates a new KeyService. prefixLen is how many leading
// characters of the raw key are stored in clear for indexed lookup.
func NewKeyService(keys auth.KeyStore, envs auth.EnvStore, prefixLen int, logger *slog.Logger) *KeyService {
	if prefixLen <= 0 {
		prefixLen = auth.DefaultPrefixLength
	}
	return &KeyService{
		keys:      keys,
		envs:      envs,
		logger:    logger,
		prefixLen: prefixLen,
	}
}

// MintKey creates a new API key in an environment and returns the raw secret
// alongside the stored record. The raw secret is never retrievable again.
// Returns auth.ErrEnvNotFound when the environment does not exist.
func (s *KeyService) MintKey(ctx context.Context, envID, name string) (string, *auth.APIKey, error) {
	if name == "" {
		return "", nil, fmt.Errorf("key: %w", ErrEmptyName)
	}
	if _, err := s.envs.GetEnv(ctx, envID); err != nil {
		return "", nil, fmt.Errorf("check environment: %w", err)
	}

	raw, key, err := auth.Mint(envID, name, s.prefixLen, time.Now().UTC())
	if err != nil {
		return "", nil, fmt.Errorf("mint key: %w", err)
	}
	if err := s.keys.Create(ctx, key); err != nil {
		return "", nil, fmt.Errorf("store key: %w", err)
	}

	s.logger.Info("api key minted", "id", key.ID, "env", envID, "name", name, "prefix", key.Prefix)
	return raw, key, nil
}

// RevokeKey revokes a key. Revoking an already-revoked key is a no-op that
// keeps the original revocation time.
func (s *KeyService) RevokeKey(ctx context.Context, id string) error {
	if err := s.keys.Revoke(ctx, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}
	s.logger.Info("api key revoked", "id", id)
	return nil
}

// GetKey returns one key record.
func (s *KeyService) GetKey(ctx context.Context, id string) (*auth.APIKey, error) {
	return s.keys.GetByID(ctx, id)
}

// ListKeys returns all key records in an environment, newest first.
func (s *KeyService) ListKeys(ctx context.Context, envID string) ([]*auth.APIKey, error) {
	return s.keys.ListByEnv(ctx, envID)
}

// CreateEnv creates a new environment. The ID doubles as the envId referenced
// by keys, policies, and sessions.
// Returns auth.ErrEnvExists when the ID is taken.
func (s *KeyService) CreateEnv(ctx context.Context, id, name string) (*auth.Environment, error) {
	if id == "" {
		return nil, fmt.Errorf("environment id: %w", ErrEmptyName)
	}
	if name == "" {
		name = id
	}

	env := &auth.Environment{
		ID:        id,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.envs.CreateEnv(ctx, env); err != nil {
		return nil, fmt.Errorf("create environment: %w", err)
	}

	s.logger.Info("environment created", "id", id, "name", name)
	return env, nil
}

// ListEnvs returns all environments, oldest first.
func (s *KeyService) ListEnvs(ctx context.Context) ([]*auth.Environment, error) {
	return s.envs.ListEnvs(ctx)
}
