package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agent-warden/warden/internal/domain/session"
)

// lockRetries bounds how often WithLock re-runs fn after losing the
// compare-and-set race to another process.
const lockRetries = 5

// SessionStore implements session.Store on top of the shared database.
//
// WithLock serializes same-key callers within the process through a keyed
// mutex, and guards the write with a lock_version compare-and-set so a
// second service instance cannot silently overwrite state. Losing the CAS
// re-runs fn against the fresh row.
type SessionStore struct {
	db *DB

	mu    sync.Mutex // guards locks
	locks map[string]*sync.Mutex
}

// NewSessionStore creates a SQL-backed session store.
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{
		db:    db,
		locks: make(map[string]*sync.Mutex),
	}
}

const sessionColumns = `id, env_id, session_id, agent_id, policy_id, policy_version, initial_state,
	current_state, counters, history, call_counts, last_call_times, metadata,
	created_at_ms, updated_at_ms`

// GetOrCreate returns the session for (envID, sessionID), inserting it from
// the seed if absent. The insert ignores conflicts, so concurrent first
// calls converge on whichever row landed.
func (s *SessionStore) GetOrCreate(ctx context.Context, envID, sessionID string, seed session.Seed) (*session.Session, bool, error) {
	fresh := session.New(envID, sessionID, seed, time.Now())

	counters, err := encodeJSON(fresh.Counters)
	if err != nil {
		return nil, false, err
	}
	history, err := encodeJSON(fresh.ToolCallsHistory)
	if err != nil {
		return nil, false, err
	}
	callCounts, err := encodeJSON(fresh.ToolCallCounts)
	if err != nil {
		return nil, false, err
	}
	lastTimes, err := encodeJSON(fresh.LastToolCallTimes)
	if err != nil {
		return nil, false, err
	}
	metadata, err := encodeJSONOrNil(fresh.Metadata)
	if err != nil {
		return nil, false, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, env_id, session_id, agent_id, policy_id, policy_version, initial_state,
			current_state, counters, history, call_counts, last_call_times, metadata,
			created_at_ms, updated_at_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (env_id, session_id) DO NOTHING`,
		fresh.ID, fresh.EnvID, fresh.SessionID, fresh.AgentID, fresh.PolicyID, fresh.PolicyVersionLocked,
		fresh.InitialState, fresh.CurrentState, counters, history, callCounts, lastTimes, metadata,
		fresh.CreatedAt.UnixMilli(), fresh.UpdatedAt.UnixMilli())
	if err != nil {
		return nil, false, fmt.Errorf("insert session: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert session: %w", err)
	}

	stored, err := s.Get(ctx, envID, sessionID)
	if err != nil {
		return nil, false, err
	}
	return stored, inserted == 1, nil
}

// Get retrieves a session by key.
func (s *SessionStore) Get(ctx context.Context, envID, sessionID string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE env_id = $1 AND session_id = $2`,
		envID, sessionID)
	sess, _, err := scanSession(row)
	return sess, err
}

// WithLock runs fn while holding the session's in-process mutex, then
// commits the mutation with a version check. A concurrent writer in another
// process bumps lock_version first; we reload and re-run fn in that case.
func (s *SessionStore) WithLock(ctx context.Context, envID, sessionID string, fn func(sess *session.Session) (bool, error)) error {
	key := envID + "\x00" + sessionID

	s.mu.Lock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	for attempt := 0; attempt < lockRetries; attempt++ {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+sessionColumns+`, lock_version FROM sessions WHERE env_id = $1 AND session_id = $2`,
			envID, sessionID)
		sess, lockVersion, err := scanSessionWithVersion(row)
		if err != nil {
			return err
		}

		persist, err := fn(sess)
		if err != nil {
			return err
		}
		if !persist {
			return nil
		}

		done, err := s.writeLocked(ctx, sess, lockVersion)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		// CAS lost: another instance committed first. Retry on fresh state.
	}
	return fmt.Errorf("session %s: too many concurrent writers", sessionID)
}

// writeLocked persists the mutated session guarded by the version check.
// Returns false when the row moved underneath us.
func (s *SessionStore) writeLocked(ctx context.Context, sess *session.Session, lockVersion int64) (bool, error) {
	counters, err := encodeJSON(sess.Counters)
	if err != nil {
		return false, err
	}
	history, err := encodeJSON(sess.ToolCallsHistory)
	if err != nil {
		return false, err
	}
	callCounts, err := encodeJSON(sess.ToolCallCounts)
	if err != nil {
		return false, err
	}
	lastTimes, err := encodeJSON(sess.LastToolCallTimes)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET current_state = $1, counters = $2, history = $3, call_counts = $4,
		     last_call_times = $5, updated_at_ms = $6, lock_version = lock_version + 1
		 WHERE env_id = $7 AND session_id = $8 AND lock_version = $9`,
		sess.CurrentState, counters, history, callCounts, lastTimes,
		sess.UpdatedAt.UnixMilli(), sess.EnvID, sess.SessionID, lockVersion)
	if err != nil {
		return false, fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update session: %w", err)
	}
	return n == 1, nil
}

func scanSession(row rowScanner) (*session.Session, int64, error) {
	return scanSessionColumns(row, false)
}

func scanSessionWithVersion(row rowScanner) (*session.Session, int64, error) {
	return scanSessionColumns(row, true)
}

func scanSessionColumns(row rowScanner, withVersion bool) (*session.Session, int64, error) {
	var (
		sess        session.Session
		counters    string
		history     string
		callCounts  string
		lastTimes   string
		metadata    sql.NullString
		createdMs   int64
		updatedMs   int64
		lockVersion int64
	)
	dest := []any{
		&sess.ID, &sess.EnvID, &sess.SessionID, &sess.AgentID, &sess.PolicyID, &sess.PolicyVersionLocked,
		&sess.InitialState, &sess.CurrentState, &counters, &history, &callCounts, &lastTimes, &metadata,
		&createdMs, &updatedMs,
	}
	if withVersion {
		dest = append(dest, &lockVersion)
	}
	err := row.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, session.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("scan session: %w", err)
	}

	if err := json.Unmarshal([]byte(counters), &sess.Counters); err != nil {
		return nil, 0, fmt.Errorf("%w: counters: %v", session.ErrCorrupted, err)
	}
	if err := json.Unmarshal([]byte(history), &sess.ToolCallsHistory); err != nil {
		return nil, 0, fmt.Errorf("%w: history: %v", session.ErrCorrupted, err)
	}
	if err := json.Unmarshal([]byte(callCounts), &sess.ToolCallCounts); err != nil {
		return nil, 0, fmt.Errorf("%w: call counts: %v", session.ErrCorrupted, err)
	}
	if err := json.Unmarshal([]byte(lastTimes), &sess.LastToolCallTimes); err != nil {
		return nil, 0, fmt.Errorf("%w: last call times: %v", session.ErrCorrupted, err)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &sess.Metadata); err != nil {
			return nil, 0, fmt.Errorf("%w: metadata: %v", session.ErrCorrupted, err)
		}
	}
	sess.CreatedAt = timeFromMs(createdMs)
	sess.UpdatedAt = timeFromMs(updatedMs)
	return &sess, lockVersion, nil
}

// encodeJSON marshals a value, mapping nil maps and slices to empty JSON
// containers so scans never see SQL NULL for required columns.
func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode session field: %w", err)
	}
	if string(b) == "null" {
		switch v.(type) {
		case []string:
			return "[]", nil
		default:
			return "{}", nil
		}
	}
	return string(b), nil
}

// encodeJSONOrNil marshals an optional value, keeping SQL NULL for nil.
func encodeJSONOrNil(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode session metadata: %w", err)
	}
	return string(b), nil
}

// Compile-time interface verification.
var _ session.Store = (*SessionStore)(nil)
