package sqlstore

// schemaStatements holds the DDL applied by Migrate. Timestamps are stored
// as epoch milliseconds (BIGINT) so ordering and range scans behave the
// same under PostgreSQL and SQLite; JSON-shaped values are stored as TEXT.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS environments (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		created_at_ms BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS api_keys (
		id            TEXT PRIMARY KEY,
		env_id        TEXT NOT NULL,
		name          TEXT NOT NULL,
		prefix        TEXT NOT NULL,
		key_hash      TEXT NOT NULL,
		created_at_ms BIGINT NOT NULL,
		revoked_at_ms BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys (prefix)`,
	`CREATE INDEX IF NOT EXISTS idx_api_keys_env ON api_keys (env_id)`,

	`CREATE TABLE IF NOT EXISTS policies (
		id              TEXT PRIMARY KEY,
		env_id          TEXT NOT NULL,
		name            TEXT NOT NULL,
		version         INTEGER NOT NULL DEFAULT 0,
		status          TEXT NOT NULL,
		spec            TEXT,
		hash            TEXT NOT NULL DEFAULT '',
		created_at_ms   BIGINT NOT NULL,
		updated_at_ms   BIGINT NOT NULL,
		published_at_ms BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_policies_env_status ON policies (env_id, status)`,

	`CREATE TABLE IF NOT EXISTS policy_versions (
		policy_id       TEXT NOT NULL,
		version         INTEGER NOT NULL,
		spec            TEXT NOT NULL,
		hash            TEXT NOT NULL,
		published_at_ms BIGINT NOT NULL,
		published_by    TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (policy_id, version)
	)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id              TEXT NOT NULL,
		env_id          TEXT NOT NULL,
		session_id      TEXT NOT NULL,
		agent_id        TEXT NOT NULL DEFAULT '',
		policy_id       TEXT NOT NULL,
		policy_version  INTEGER NOT NULL,
		initial_state   TEXT NOT NULL,
		current_state   TEXT NOT NULL,
		counters        TEXT NOT NULL,
		history         TEXT NOT NULL,
		call_counts     TEXT NOT NULL,
		last_call_times TEXT NOT NULL,
		metadata        TEXT,
		created_at_ms   BIGINT NOT NULL,
		updated_at_ms   BIGINT NOT NULL,
		lock_version    BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (env_id, session_id)
	)`,

	`CREATE TABLE IF NOT EXISTS rate_windows (
		rate_key        TEXT PRIMARY KEY,
		window_start_ms BIGINT NOT NULL,
		count           BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rate_windows_start ON rate_windows (window_start_ms)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		id              TEXT PRIMARY KEY,
		ts_ms           BIGINT NOT NULL,
		env_id          TEXT NOT NULL,
		session_id      TEXT NOT NULL,
		request_id      TEXT NOT NULL DEFAULT '',
		api_key_id      TEXT NOT NULL DEFAULT '',
		tool_name       TEXT NOT NULL,
		action_type     TEXT NOT NULL DEFAULT '',
		payload         TEXT,
		decision        TEXT NOT NULL,
		error_code      TEXT NOT NULL DEFAULT '',
		reasons         TEXT,
		policy_id       TEXT NOT NULL DEFAULT '',
		policy_version  INTEGER NOT NULL DEFAULT 0,
		policy_hash     TEXT NOT NULL DEFAULT '',
		state_before    TEXT NOT NULL DEFAULT '',
		state_after     TEXT NOT NULL DEFAULT '',
		counters_before TEXT,
		counters_after  TEXT,
		duration_ms     BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_env_ts ON audit_log (env_id, ts_ms DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_log (env_id, session_id, ts_ms)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_tool ON audit_log (env_id, tool_name, ts_ms DESC)`,
}
