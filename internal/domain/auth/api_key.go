package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
)

// ErrInvalidKey is returned when no stored key matches the presented one.
var ErrInvalidKey = errors.New("invalid api key")

// ErrKeyRevoked is returned when the presented key matches a revoked record.
// It is distinct from ErrInvalidKey so callers can report revocation.
var ErrKeyRevoked = errors.New("api key revoked")

// Authenticator resolves raw API keys to their stored records.
type Authenticator struct {
	store     KeyStore
	minLength int
	prefixLen int
}

// NewAuthenticator creates an Authenticator. minLength rejects keys too
// short to carry entropy; prefixLen must match the prefix length keys were
// minted with.
func NewAuthenticator(store KeyStore, minLength, prefixLen int) *Authenticator {
	return &Authenticator{store: store, minLength: minLength, prefixLen: prefixLen}
}

// Authenticate validates a raw key and returns its record. It returns
// ErrInvalidKey for unknown or malformed keys and ErrKeyRevoked when the key
// matches a revoked record. Lookup goes through the prefix index; the hash
// comparison is constant-time per candidate.
func (a *Authenticator) Authenticate(ctx context.Context, rawKey string) (*APIKey, error) {
	if len(rawKey) < a.minLength || len(rawKey) < a.prefixLen {
		return nil, ErrInvalidKey
	}
	candidates, err := a.store.FindByPrefix(ctx, rawKey[:a.prefixLen])
	if err != nil {
		return nil, fmt.Errorf("key lookup: %w", err)
	}

	keyHash := HashKey(rawKey)
	var revoked bool
	for _, candidate := range candidates {
		if !hashesEqual(keyHash, candidate.KeyHash) {
			continue
		}
		if candidate.Revoked() {
			revoked = true
			continue
		}
		return candidate, nil
	}
	if revoked {
		return nil, ErrKeyRevoked
	}
	return nil, ErrInvalidKey
}

// Mint generates a raw key and its stored record for an environment. The
// raw value is returned only here; persist the record and hand the raw key
// to the caller.
func Mint(envID, name string, prefixLen int, now time.Time) (raw string, key *APIKey, err error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", nil, fmt.Errorf("failed to generate api key: %w", err)
	}
	raw = KeyPrefix + hex.EncodeToString(b)
	if prefixLen <= 0 || prefixLen > len(raw) {
		prefixLen = DefaultPrefixLength
	}
	key = &APIKey{
		ID:        uuid.NewString(),
		EnvID:     envID,
		Name:      name,
		Prefix:    raw[:prefixLen],
		KeyHash:   HashKey(raw),
		CreatedAt: now.UTC(),
	}
	return raw, key, nil
}

// HashKey returns the SHA-256 hex hash of the raw key.
func HashKey(rawKey string) string {
	hash := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(hash[:])
}

// hashesEqual compares two hex digests in constant time.
func hashesEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// argon2idParams defines OWASP minimum parameters for Argon2id.
// Memory: 46 MiB, Iterations: 1, Parallelism: 1
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024, // 47 MiB (OWASP minimum: 46 MiB)
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashAdminToken returns an Argon2id hash of the admin bearer token in PHC
// format: $argon2id$v=19$m=47104,t=1,p=1$<salt>$<hash>
func HashAdminToken(rawToken string) (string, error) {
	return argon2id.CreateHash(rawToken, argon2idParams)
}

// VerifyAdminToken verifies a raw admin token against a stored Argon2id
// hash. Malformed hashes report false rather than an error detail leaking
// to the caller.
func VerifyAdminToken(rawToken, storedHash string) bool {
	match, err := safeArgon2idCompare(rawToken, storedHash)
	if err != nil {
		return false
	}
	return match
}

// safeArgon2idCompare wraps argon2id.ComparePasswordAndHash with panic
// recovery. The underlying argon2 library panics on malformed hashes with
// invalid parameters (e.g. t=0 rounds), and a bad config value must not
// take the server down.
func safeArgon2idCompare(rawToken, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(rawToken, storedHash)
}
