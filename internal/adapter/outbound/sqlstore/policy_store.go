package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agent-warden/warden/internal/domain/policy"
)

// PolicyStore implements policy.Store on top of the shared database.
type PolicyStore struct {
	db *DB
}

// NewPolicyStore creates a SQL-backed policy store.
func NewPolicyStore(db *DB) *PolicyStore {
	return &PolicyStore{db: db}
}

const policyColumns = `id, env_id, name, version, status, spec, hash, created_at_ms, updated_at_ms, published_at_ms`

// CreateDraft inserts a new draft record with version 0 and no spec.
func (s *PolicyStore) CreateDraft(ctx context.Context, envID, name string) (*policy.Record, error) {
	now := time.Now().UTC()
	r := &policy.Record{
		ID:        uuid.NewString(),
		EnvID:     envID,
		Name:      name,
		Status:    policy.StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO policies (id, env_id, name, version, status, created_at_ms, updated_at_ms)
		 VALUES ($1, $2, $3, 0, $4, $5, $6)`,
		r.ID, r.EnvID, r.Name, string(r.Status), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("insert policy draft: %w", err)
	}
	return r, nil
}

// GetByID returns the record by ID.
func (s *PolicyStore) GetByID(ctx context.Context, id string) (*policy.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE id = $1`, id)
	return scanPolicyRecord(row)
}

// List returns every record in the environment, newest first.
func (s *PolicyStore) List(ctx context.Context, envID string) ([]*policy.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE env_id = $1 ORDER BY created_at_ms DESC, id`, envID)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*policy.Record
	for rows.Next() {
		r, err := scanPolicyRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// SaveDraft replaces the stored working spec. Status, version, and hash are
// untouched; those advance only on publish.
func (s *PolicyStore) SaveDraft(ctx context.Context, id string, spec json.RawMessage) (*policy.Record, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE policies SET spec = $1, updated_at_ms = $2 WHERE id = $3 AND status != $4`,
		string(spec), time.Now().UnixMilli(), id, string(policy.StatusArchived))
	if err != nil {
		return nil, fmt.Errorf("save draft: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("save draft: %w", err)
	}
	if n == 0 {
		return nil, s.explainWriteMiss(ctx, id)
	}
	return s.GetByID(ctx, id)
}

// Publish advances the record to the next version inside a transaction.
// The version bump is guarded by a compare-and-set on the previous version,
// so two concurrent publishes of one policy cannot both claim a version
// number; the loser gets ErrPublishConflict and may retry.
func (s *PolicyStore) Publish(ctx context.Context, id string, spec json.RawMessage, hash, publishedBy string) (*policy.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin publish: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		envID      string
		oldVersion int
		status     string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT env_id, version, status FROM policies WHERE id = $1`, id).
		Scan(&envID, &oldVersion, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, policy.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load policy for publish: %w", err)
	}
	if policy.Status(status) == policy.StatusArchived {
		return nil, policy.ErrArchived
	}

	now := time.Now().UTC()
	newVersion := oldVersion + 1

	// Retire the environment's current published policy, if any.
	_, err = tx.ExecContext(ctx,
		`UPDATE policies SET status = $1, updated_at_ms = $2
		 WHERE env_id = $3 AND id != $4 AND status = $5`,
		string(policy.StatusArchived), now.UnixMilli(), envID, id, string(policy.StatusPublished))
	if err != nil {
		return nil, fmt.Errorf("archive previous policy: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE policies
		 SET version = $1, status = $2, spec = $3, hash = $4, updated_at_ms = $5, published_at_ms = $5
		 WHERE id = $6 AND version = $7`,
		newVersion, string(policy.StatusPublished), string(spec), hash, now.UnixMilli(), id, oldVersion)
	if err != nil {
		return nil, fmt.Errorf("publish policy: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("publish policy: %w", err)
	}
	if n == 0 {
		return nil, policy.ErrPublishConflict
	}

	// The immutable version row. A duplicate key here means another publish
	// claimed the same version between our read and write.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO policy_versions (policy_id, version, spec, hash, published_at_ms, published_by)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, newVersion, string(spec), hash, now.UnixMilli(), publishedBy)
	if err != nil {
		return nil, policy.ErrPublishConflict
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit publish: %w", err)
	}
	return s.GetByID(ctx, id)
}

// GetPublished returns the environment's published policy.
func (s *PolicyStore) GetPublished(ctx context.Context, envID string) (*policy.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policies
		 WHERE env_id = $1 AND status = $2
		 ORDER BY version DESC LIMIT 1`,
		envID, string(policy.StatusPublished))
	return scanPolicyRecord(row)
}

// GetByIDAndVersion returns the exact immutable version row.
func (s *PolicyStore) GetByIDAndVersion(ctx context.Context, policyID string, version int) (*policy.VersionRecord, error) {
	var (
		v     policy.VersionRecord
		spec  string
		pubMs int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT policy_id, version, spec, hash, published_at_ms, published_by
		 FROM policy_versions WHERE policy_id = $1 AND version = $2`,
		policyID, version).
		Scan(&v.PolicyID, &v.Version, &spec, &v.Hash, &pubMs, &v.PublishedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, policy.ErrVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get policy version: %w", err)
	}
	v.Spec = json.RawMessage(spec)
	v.PublishedAt = timeFromMs(pubMs)
	return &v, nil
}

// ListVersions returns all published versions of a policy, newest first.
func (s *PolicyStore) ListVersions(ctx context.Context, policyID string) ([]*policy.VersionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT policy_id, version, spec, hash, published_at_ms, published_by
		 FROM policy_versions WHERE policy_id = $1 ORDER BY version DESC`, policyID)
	if err != nil {
		return nil, fmt.Errorf("list policy versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*policy.VersionRecord
	for rows.Next() {
		var (
			v     policy.VersionRecord
			spec  string
			pubMs int64
		)
		if err := rows.Scan(&v.PolicyID, &v.Version, &spec, &v.Hash, &pubMs, &v.PublishedBy); err != nil {
			return nil, err
		}
		v.Spec = json.RawMessage(spec)
		v.PublishedAt = timeFromMs(pubMs)
		result = append(result, &v)
	}
	return result, rows.Err()
}

// explainWriteMiss maps an UPDATE that touched no rows to the right
// sentinel: the record is either missing or archived.
func (s *PolicyStore) explainWriteMiss(ctx context.Context, id string) error {
	r, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if r.Status == policy.StatusArchived {
		return policy.ErrArchived
	}
	return policy.ErrNotFound
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicyRecord(row rowScanner) (*policy.Record, error) {
	var (
		r         policy.Record
		status    string
		spec      sql.NullString
		createdMs int64
		updatedMs int64
		pubMs     sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.EnvID, &r.Name, &r.Version, &status, &spec, &r.Hash, &createdMs, &updatedMs, &pubMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, policy.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan policy: %w", err)
	}
	r.Status = policy.Status(status)
	if spec.Valid && spec.String != "" {
		r.Spec = json.RawMessage(spec.String)
	}
	r.CreatedAt = timeFromMs(createdMs)
	r.UpdatedAt = timeFromMs(updatedMs)
	r.PublishedAt = timePtrFromMs(pubMs)
	return &r, nil
}

// Compile-time interface verification.
var _ policy.Store = (*PolicyStore)(nil)
