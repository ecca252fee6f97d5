package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// CanonicalizeRaw transforms a JSON document into its canonical form:
// object keys sorted at every depth, minimal whitespace, normalized number
// formatting (RFC 8785). Two serializations of the same document, whatever
// their key order, canonicalize to identical bytes.
func CanonicalizeRaw(raw []byte) ([]byte, error) {
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize spec: %w", err)
	}
	return canonical, nil
}

// HashRaw returns the hex SHA-256 of the canonical form of raw.
func HashRaw(raw []byte) (string, error) {
	canonical, err := CanonicalizeRaw(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Hash returns the canonical hash of a decoded spec.
func Hash(spec *Spec) (string, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("marshal spec: %w", err)
	}
	return HashRaw(raw)
}
