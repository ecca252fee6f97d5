package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agent-warden/warden/internal/domain/auth"
)

// findByPrefixCap bounds how many candidate rows a prefix lookup returns.
const findByPrefixCap = 10

// KeyStore implements auth.KeyStore and auth.EnvStore on top of the shared
// database.
type KeyStore struct {
	db *DB
}

// NewKeyStore creates a SQL-backed key and environment store.
func NewKeyStore(db *DB) *KeyStore {
	return &KeyStore{db: db}
}

const keyColumns = `id, env_id, name, prefix, key_hash, created_at_ms, revoked_at_ms`

// Create stores a new API key record.
func (s *KeyStore) Create(ctx context.Context, key *auth.APIKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, env_id, name, prefix, key_hash, created_at_ms, revoked_at_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.EnvID, key.Name, key.Prefix, key.KeyHash,
		key.CreatedAt.UnixMilli(), msOrNil(key.RevokedAt))
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetByID retrieves a key record by ID.
func (s *KeyStore) GetByID(ctx context.Context, id string) (*auth.APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE id = $1`, id)
	return scanAPIKey(row)
}

// FindByPrefix returns key records matching the stored prefix, revoked
// included, active first, capped.
func (s *KeyStore) FindByPrefix(ctx context.Context, prefix string) ([]*auth.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys
		 WHERE prefix = $1
		 ORDER BY CASE WHEN revoked_at_ms IS NULL THEN 0 ELSE 1 END, created_at_ms DESC
		 LIMIT $2`,
		prefix, findByPrefixCap)
	if err != nil {
		return nil, fmt.Errorf("find keys by prefix: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectKeys(rows)
}

// ListByEnv returns all key records for an environment, newest first.
func (s *KeyStore) ListByEnv(ctx context.Context, envID string) ([]*auth.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE env_id = $1 ORDER BY created_at_ms DESC, id`, envID)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectKeys(rows)
}

// Revoke marks a key revoked. Revoking twice keeps the first timestamp.
func (s *KeyStore) Revoke(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at_ms = $1 WHERE id = $2 AND revoked_at_ms IS NULL`,
		at.UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if n == 0 {
		// Missing entirely, or already revoked.
		if _, err := s.GetByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// CreateEnv stores a new environment.
func (s *KeyStore) CreateEnv(ctx context.Context, env *auth.Environment) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO environments (id, name, created_at_ms)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO NOTHING`,
		env.ID, env.Name, env.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert environment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert environment: %w", err)
	}
	if n == 0 {
		return auth.ErrEnvExists
	}
	return nil
}

// GetEnv retrieves an environment by ID.
func (s *KeyStore) GetEnv(ctx context.Context, id string) (*auth.Environment, error) {
	var (
		env       auth.Environment
		createdMs int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at_ms FROM environments WHERE id = $1`, id).
		Scan(&env.ID, &env.Name, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrEnvNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get environment: %w", err)
	}
	env.CreatedAt = timeFromMs(createdMs)
	return &env, nil
}

// ListEnvs returns all environments, oldest first.
func (s *KeyStore) ListEnvs(ctx context.Context) ([]*auth.Environment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at_ms FROM environments ORDER BY created_at_ms, id`)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*auth.Environment
	for rows.Next() {
		var (
			env       auth.Environment
			createdMs int64
		)
		if err := rows.Scan(&env.ID, &env.Name, &createdMs); err != nil {
			return nil, err
		}
		env.CreatedAt = timeFromMs(createdMs)
		result = append(result, &env)
	}
	return result, rows.Err()
}

func collectKeys(rows *sql.Rows) ([]*auth.APIKey, error) {
	var result []*auth.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, key)
	}
	return result, rows.Err()
}

func scanAPIKey(row rowScanner) (*auth.APIKey, error) {
	var (
		key       auth.APIKey
		createdMs int64
		revokedMs sql.NullInt64
	)
	err := row.Scan(&key.ID, &key.EnvID, &key.Name, &key.Prefix, &key.KeyHash, &createdMs, &revokedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan api key: %w", err)
	}
	key.CreatedAt = timeFromMs(createdMs)
	key.RevokedAt = timePtrFromMs(revokedMs)
	return &key, nil
}

// Compile-time interface verification.
var (
	_ auth.KeyStore = (*KeyStore)(nil)
	_ auth.EnvStore = (*KeyStore)(nil)
)
