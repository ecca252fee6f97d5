package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-warden/warden/internal/domain/policy"
)

// MemoryPolicyStore implements policy.Store with in-memory maps.
// Thread-safe for concurrent access. For development/testing only.
type MemoryPolicyStore struct {
	records  map[string]*policy.Record                // ID -> record
	versions map[string]map[int]*policy.VersionRecord // policyID -> version -> row
	mu       sync.RWMutex
}

// NewPolicyStore creates a new in-memory policy store.
func NewPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{
		records:  make(map[string]*policy.Record),
		versions: make(map[string]map[int]*policy.VersionRecord),
	}
}

// CreateDraft inserts a new draft record with version 0 and no spec.
func (s *MemoryPolicyStore) CreateDraft(ctx context.Context, envID, name string) (*policy.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	r := &policy.Record{
		ID:        uuid.NewString(),
		EnvID:     envID,
		Name:      name,
		Version:   0,
		Status:    policy.StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.records[r.ID] = r
	return copyRecord(r), nil
}

// GetByID returns the record by ID.
func (s *MemoryPolicyStore) GetByID(ctx context.Context, id string) (*policy.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[id]
	if !ok {
		return nil, policy.ErrNotFound
	}
	return copyRecord(r), nil
}

// List returns every record in the environment, newest first.
func (s *MemoryPolicyStore) List(ctx context.Context, envID string) ([]*policy.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*policy.Record
	for _, r := range s.records {
		if r.EnvID == envID {
			result = append(result, copyRecord(r))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// SaveDraft replaces the stored working spec. The record's status, version,
// and hash are untouched; those advance only on publish.
func (s *MemoryPolicyStore) SaveDraft(ctx context.Context, id string, spec json.RawMessage) (*policy.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return nil, policy.ErrNotFound
	}
	if r.Status == policy.StatusArchived {
		return nil, policy.ErrArchived
	}
	r.Spec = append(json.RawMessage(nil), spec...)
	r.UpdatedAt = time.Now().UTC()
	return copyRecord(r), nil
}

// Publish increments the record's version, marks it published, writes the
// immutable version row, and archives any other published policy in the
// same environment.
func (s *MemoryPolicyStore) Publish(ctx context.Context, id string, spec json.RawMessage, hash, publishedBy string) (*policy.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return nil, policy.ErrNotFound
	}
	if r.Status == policy.StatusArchived {
		return nil, policy.ErrArchived
	}

	now := time.Now().UTC()
	for _, other := range s.records {
		if other.ID != r.ID && other.EnvID == r.EnvID && other.Status == policy.StatusPublished {
			other.Status = policy.StatusArchived
			other.UpdatedAt = now
		}
	}

	r.Version++
	r.Status = policy.StatusPublished
	r.Spec = append(json.RawMessage(nil), spec...)
	r.Hash = hash
	r.UpdatedAt = now
	r.PublishedAt = &now

	vs, ok := s.versions[r.ID]
	if !ok {
		vs = make(map[int]*policy.VersionRecord)
		s.versions[r.ID] = vs
	}
	vs[r.Version] = &policy.VersionRecord{
		PolicyID:    r.ID,
		Version:     r.Version,
		Spec:        append(json.RawMessage(nil), spec...),
		Hash:        hash,
		PublishedAt: now,
		PublishedBy: publishedBy,
	}
	return copyRecord(r), nil
}

// GetPublished returns the environment's published policy.
func (s *MemoryPolicyStore) GetPublished(ctx context.Context, envID string) (*policy.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *policy.Record
	for _, r := range s.records {
		if r.EnvID != envID || r.Status != policy.StatusPublished {
			continue
		}
		if best == nil || r.Version > best.Version {
			best = r
		}
	}
	if best == nil {
		return nil, policy.ErrNotFound
	}
	return copyRecord(best), nil
}

// GetByIDAndVersion returns the exact immutable version row.
func (s *MemoryPolicyStore) GetByIDAndVersion(ctx context.Context, policyID string, version int) (*policy.VersionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.versions[policyID][version]
	if !ok {
		return nil, policy.ErrVersionNotFound
	}
	return copyVersion(v), nil
}

// ListVersions returns all published versions of a policy, newest first.
func (s *MemoryPolicyStore) ListVersions(ctx context.Context, policyID string) ([]*policy.VersionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*policy.VersionRecord
	for _, v := range s.versions[policyID] {
		result = append(result, copyVersion(v))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Version > result[j].Version
	})
	return result, nil
}

// copyRecord creates a deep copy of a policy record.
func copyRecord(r *policy.Record) *policy.Record {
	c := *r
	if r.Spec != nil {
		c.Spec = append(json.RawMessage(nil), r.Spec...)
	}
	if r.PublishedAt != nil {
		t := *r.PublishedAt
		c.PublishedAt = &t
	}
	return &c
}

// copyVersion creates a deep copy of a version row.
func copyVersion(v *policy.VersionRecord) *policy.VersionRecord {
	c := *v
	c.Spec = append(json.RawMessage(nil), v.Spec...)
	return &c
}

// Compile-time interface verification.
var _ policy.Store = (*MemoryPolicyStore)(nil)
