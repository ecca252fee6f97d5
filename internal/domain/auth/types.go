// Package auth contains the domain types and logic for API key authentication.
package auth

import (
	"time"
)

// KeyPrefix is the literal prefix every generated runtime key starts with.
const KeyPrefix = "wdn_"

// DefaultPrefixLength is how many leading characters of the raw key are
// stored in clear for indexed lookup.
const DefaultPrefixLength = 8

// APIKey represents a runtime API key scoped to one environment. The raw
// key is returned exactly once at mint time; only its hash and a short
// lookup prefix are stored.
type APIKey struct {
	// ID is the unique identifier for this key.
	ID string `json:"id"`
	// EnvID is the environment this key authenticates into.
	EnvID string `json:"envId"`
	// Name is a human-readable label for this key.
	Name string `json:"name"`
	// Prefix is the first characters of the raw key, kept in clear for
	// indexed lookup. Prefixes are not unique.
	Prefix string `json:"prefix"`
	// KeyHash is the SHA-256 hex hash of the raw key.
	KeyHash string `json:"-"`
	// CreatedAt is when the key was minted (UTC).
	CreatedAt time.Time `json:"createdAt"`
	// RevokedAt is when the key was revoked (nil = active).
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

// Revoked reports whether the key has been revoked.
func (k *APIKey) Revoked() bool {
	return k.RevokedAt != nil
}

// Environment is a named isolation boundary. Keys, policies, and sessions
// all hang off an environment.
type Environment struct {
	// ID is the unique identifier, referenced as envId everywhere else.
	ID string `json:"id"`
	// Name is the display name.
	Name string `json:"name"`
	// CreatedAt is when the environment was created (UTC).
	CreatedAt time.Time `json:"createdAt"`
}
