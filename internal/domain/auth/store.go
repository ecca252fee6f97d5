package auth

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrKeyNotFound is returned when an API key record does not exist.
	ErrKeyNotFound = errors.New("api key not found")
	// ErrEnvNotFound is returned when an environment does not exist.
	ErrEnvNotFound = errors.New("environment not found")
	// ErrEnvExists is returned when creating an environment whose ID is taken.
	ErrEnvExists = errors.New("environment already exists")
)

// KeyStore provides API key persistence.
// This interface is defined in the domain to avoid circular imports.
// Implementations: SQL (prod), in-memory (dev and test).
type KeyStore interface {
	// Create stores a new API key record.
	Create(ctx context.Context, key *APIKey) error

	// GetByID retrieves a key record by ID.
	// Returns ErrKeyNotFound if it doesn't exist.
	GetByID(ctx context.Context, id string) (*APIKey, error)

	// FindByPrefix returns key records whose stored prefix matches, revoked
	// records included so callers can distinguish revocation from an unknown
	// key. Active records sort first. Implementations cap the result set;
	// prefixes are not unique.
	FindByPrefix(ctx context.Context, prefix string) ([]*APIKey, error)

	// ListByEnv returns all key records for an environment, newest first.
	ListByEnv(ctx context.Context, envID string) ([]*APIKey, error)

	// Revoke marks a key revoked at the given time.
	// Returns ErrKeyNotFound if it doesn't exist.
	Revoke(ctx context.Context, id string, at time.Time) error
}

// EnvStore provides environment persistence.
// Implementations: SQL (prod), in-memory (dev and test).
type EnvStore interface {
	// CreateEnv stores a new environment.
	// Returns ErrEnvExists if the ID is already taken.
	CreateEnv(ctx context.Context, env *Environment) error

	// GetEnv retrieves an environment by ID.
	// Returns ErrEnvNotFound if it doesn't exist.
	GetEnv(ctx context.Context, id string) (*Environment, error)

	// ListEnvs returns all environments, oldest first.
	ListEnvs(ctx context.Context) ([]*Environment, error)
}
