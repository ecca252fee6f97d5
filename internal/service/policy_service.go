// Package service contains application services.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agent-warden/warden/internal/domain/auth"
	"github.com/agent-warden/warden/internal/domain/policy"
)

// publishRetries bounds how often a publish re-runs after losing the version
// race to a concurrent publish on the same policy.
const publishRetries = 3

// ErrNoDraftSpec is returned when publishing a policy that has no saved spec.
var ErrNoDraftSpec = errors.New("policy has no draft spec to publish")

// ErrEmptyName rejects creates with a blank display name.
var ErrEmptyName = errors.New("name is required")

// ValidationError carries the validator's issue list for a rejected spec.
// Callers surface the issues verbatim (CLI output, HTTP 422 body).
type ValidationError struct {
	Issues []policy.Issue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "invalid policy spec"
	}
	parts := make([]string, 0, len(e.Issues))
	for _, iss := range e.Issues {
		if iss.Path != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", iss.Path, iss.Message))
		} else {
			parts = append(parts, iss.Message)
		}
	}
	return "invalid policy spec: " + strings.Join(parts, "; ")
}

// PolicyService manages the draft/publish lifecycle. Specs are validated
// before any write; publish additionally computes the canonical hash and
// freezes an immutable version row that sessions evaluate against.
type PolicyService struct {
	store  policy.Store
	envs   auth.EnvStore
	logger *slog.Logger
}

// NewPolicyService creates a new PolicyService.
func NewPolicyService(store policy.Store, envs auth.EnvStore, logger *slog.Logger) *PolicyService {
	return &PolicyService{
		store:  store,
		envs:   envs,
		logger: logger,
	}
}

// CreateDraft creates an empty draft policy in an environment.
// Returns auth.ErrEnvNotFound when the environment does not exist.
func (s *PolicyService) CreateDraft(ctx context.Context, envID, name string) (*policy.Record, error) {
	if name == "" {
		return nil, fmt.Errorf("policy: %w", ErrEmptyName)
	}
	if _, err := s.envs.GetEnv(ctx, envID); err != nil {
		return nil, fmt.Errorf("check environment: %w", err)
	}

	rec, err := s.store.CreateDraft(ctx, envID, name)
	if err != nil {
		return nil, fmt.Errorf("create draft: %w", err)
	}

	s.logger.Info("policy draft created", "id", rec.ID, "env", envID, "name", name)
	return rec, nil
}

// SaveDraft validates and stores a spec on an existing policy. Invalid specs
// are rejected with a *ValidationError; nothing is written in that case.
func (s *PolicyService) SaveDraft(ctx context.Context, id string, spec json.RawMessage) (*policy.Record, error) {
	if _, issues := policy.ValidateSpec(spec); len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}

	rec, err := s.store.SaveDraft(ctx, id, spec)
	if err != nil {
		return nil, fmt.Errorf("save draft: %w", err)
	}

	s.logger.Info("policy draft saved", "id", id, "bytes", len(spec))
	return rec, nil
}

// Publish validates the stored spec, computes its canonical hash, and
// publishes it: the version increments atomically, an immutable version row
// is written, and any other published policy in the environment is archived.
// A publish that loses the version race to a concurrent publish is retried;
// after publishRetries attempts policy.ErrPublishConflict surfaces.
func (s *PolicyService) Publish(ctx context.Context, id, publishedBy string) (*policy.Record, error) {
	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	if len(rec.Spec) == 0 {
		return nil, ErrNoDraftSpec
	}
	if _, issues := policy.ValidateSpec(rec.Spec); len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}

	hash, err := policy.HashRaw(rec.Spec)
	if err != nil {
		return nil, fmt.Errorf("hash spec: %w", err)
	}

	var published *policy.Record
	for attempt := 0; ; attempt++ {
		published, err = s.store.Publish(ctx, id, rec.Spec, hash, publishedBy)
		if err == nil {
			break
		}
		if !errors.Is(err, policy.ErrPublishConflict) || attempt+1 >= publishRetries {
			return nil, fmt.Errorf("publish: %w", err)
		}
		s.logger.Warn("publish lost version race, retrying", "id", id, "attempt", attempt+1)
	}

	s.logger.Info("policy published",
		"id", id,
		"env", published.EnvID,
		"version", published.Version,
		"hash", hash,
	)
	return published, nil
}

// Validate runs the spec validator without touching any store. Returns the
// issue list, empty when the spec is valid.
func (s *PolicyService) Validate(spec json.RawMessage) []policy.Issue {
	_, issues := policy.ValidateSpec(spec)
	return issues
}

// Get returns one policy record.
func (s *PolicyService) Get(ctx context.Context, id string) (*policy.Record, error) {
	return s.store.GetByID(ctx, id)
}

// List returns all policy records in an environment, newest first.
func (s *PolicyService) List(ctx context.Context, envID string) ([]*policy.Record, error) {
	return s.store.List(ctx, envID)
}

// GetPublished returns the environment's live policy.
func (s *PolicyService) GetPublished(ctx context.Context, envID string) (*policy.Record, error) {
	return s.store.GetPublished(ctx, envID)
}

// GetVersion returns one immutable published version.
func (s *PolicyService) GetVersion(ctx context.Context, policyID string, version int) (*policy.VersionRecord, error) {
	return s.store.GetByIDAndVersion(ctx, policyID, version)
}

// ListVersions returns all published versions of a policy, newest first.
func (s *PolicyService) ListVersions(ctx context.Context, policyID string) ([]*policy.VersionRecord, error) {
	return s.store.ListVersions(ctx, policyID)
}
