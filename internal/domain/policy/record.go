package policy

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a policy record.
type Status string

const (
	// StatusDraft marks a spec still being edited; never served to sessions.
	StatusDraft Status = "draft"
	// StatusPublished marks the environment's live policy.
	StatusPublished Status = "published"
	// StatusArchived marks a policy superseded by a newer publish.
	StatusArchived Status = "archived"
)

// Sentinel errors shared by every store implementation.
var (
	// ErrNotFound means no policy record matched.
	ErrNotFound = errors.New("policy not found")
	// ErrVersionNotFound means no immutable version row matched.
	ErrVersionNotFound = errors.New("policy version not found")
	// ErrPublishConflict means a concurrent publish won the version race.
	ErrPublishConflict = errors.New("concurrent publish conflict")
	// ErrArchived means the operation is not valid on an archived policy.
	ErrArchived = errors.New("policy is archived")
)

// Record is the mutable draft/published row for one policy in one environment.
type Record struct {
	ID    string `json:"id"`
	EnvID string `json:"envId"`
	Name  string `json:"name"`
	// Version is monotonic per policy id; 0 until the first publish.
	Version int    `json:"version"`
	Status  Status `json:"status"`
	// Spec is the raw document; nil until the first save.
	Spec json.RawMessage `json:"spec,omitempty"`
	// Hash is the canonical hash of Spec at the last publish.
	Hash        string     `json:"hash,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
}

// VersionRecord is the immutable snapshot written on every publish.
// Once written it is never mutated; sessions evaluate against these rows.
type VersionRecord struct {
	PolicyID    string          `json:"policyId"`
	Version     int             `json:"version"`
	Spec        json.RawMessage `json:"spec"`
	Hash        string          `json:"hash"`
	PublishedAt time.Time       `json:"publishedAt"`
	PublishedBy string          `json:"publishedBy,omitempty"`
}

// Store persists policy records and their immutable published versions.
type Store interface {
	// CreateDraft inserts a new draft with version 0 and no spec.
	CreateDraft(ctx context.Context, envID, name string) (*Record, error)

	// GetByID returns the record, or ErrNotFound.
	GetByID(ctx context.Context, id string) (*Record, error)

	// List returns every record in the environment, newest first.
	List(ctx context.Context, envID string) ([]*Record, error)

	// SaveDraft replaces the stored spec. Fails with ErrArchived on
	// archived records. Validation happens above the store.
	SaveDraft(ctx context.Context, id string, spec json.RawMessage) (*Record, error)

	// Publish atomically increments the record's version, marks it
	// published, stores spec and hash, writes the immutable VersionRecord,
	// and archives any other published policy in the same environment.
	// Concurrent publishes on one policy serialize; versions are strictly
	// monotonic with no gaps.
	Publish(ctx context.Context, id string, spec json.RawMessage, hash, publishedBy string) (*Record, error)

	// GetPublished returns the environment's published policy with the
	// highest version, or ErrNotFound when none is published.
	GetPublished(ctx context.Context, envID string) (*Record, error)

	// GetByIDAndVersion returns the exact immutable version row, or
	// ErrVersionNotFound.
	GetByIDAndVersion(ctx context.Context, policyID string, version int) (*VersionRecord, error)

	// ListVersions returns all published versions of a policy, newest first.
	ListVersions(ctx context.Context, policyID string) ([]*VersionRecord, error)
}
