package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/agent-warden/warden/internal/domain/audit"
	"github.com/agent-warden/warden/internal/domain/decision"
)

// AuditStore implements audit.Store and audit.QueryStore on top of the
// shared database. Append writes each batch in one transaction; the async
// writer above it decides batch boundaries.
type AuditStore struct {
	db *DB
}

// NewAuditStore creates a SQL-backed audit store.
func NewAuditStore(db *DB) *AuditStore {
	return &AuditStore{db: db}
}

const auditColumns = `id, ts_ms, env_id, session_id, request_id, api_key_id, tool_name, action_type,
	payload, decision, error_code, reasons, policy_id, policy_version, policy_hash,
	state_before, state_after, counters_before, counters_after, duration_ms`

// Append stores entries in order, all-or-nothing.
func (s *AuditStore) Append(ctx context.Context, entries ...audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO audit_log (`+auditColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`)
	if err != nil {
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		payload, err := encodeJSONOrNil(e.RedactedPayload)
		if err != nil {
			return err
		}
		reasons, err := json.Marshal(e.Reasons)
		if err != nil {
			return fmt.Errorf("encode audit reasons: %w", err)
		}
		countersBefore, err := json.Marshal(e.CountersBefore)
		if err != nil {
			return fmt.Errorf("encode audit counters: %w", err)
		}
		countersAfter, err := json.Marshal(e.CountersAfter)
		if err != nil {
			return fmt.Errorf("encode audit counters: %w", err)
		}

		_, err = stmt.ExecContext(ctx,
			e.ID, e.Timestamp.UnixMilli(), e.EnvID, e.SessionID, e.RequestID, e.APIKeyID,
			e.ToolName, e.ActionType, payload, e.Decision, e.ErrorCode, string(reasons),
			e.PolicyID, e.PolicyVersionUsed, e.PolicyHash, e.StateBefore, e.StateAfter,
			string(countersBefore), string(countersAfter), e.ExecutionDurationMs)
		if err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit batch: %w", err)
	}
	return nil
}

// Query retrieves entries matching the filter, newest first, with
// (ts_ms, id) cursor pagination.
func (s *AuditStore) Query(ctx context.Context, filter audit.Filter) ([]audit.Entry, string, error) {
	limit := clampLimit(filter.Limit)

	query := `SELECT ` + auditColumns + ` FROM audit_log WHERE 1=1`
	var args []any
	argIndex := 1

	add := func(clause string, value any) {
		query += fmt.Sprintf(clause, argIndex)
		args = append(args, value)
		argIndex++
	}

	if filter.EnvID != "" {
		add(" AND env_id = $%d", filter.EnvID)
	}
	if filter.SessionID != "" {
		add(" AND session_id = $%d", filter.SessionID)
	}
	if filter.ToolName != "" {
		add(" AND tool_name = $%d", filter.ToolName)
	}
	if filter.Decision != "" {
		add(" AND decision = $%d", filter.Decision)
	}
	if filter.ErrorCode != "" {
		add(" AND error_code = $%d", filter.ErrorCode)
	}
	if !filter.Since.IsZero() {
		add(" AND ts_ms >= $%d", filter.Since.UnixMilli())
	}
	if !filter.Until.IsZero() {
		add(" AND ts_ms < $%d", filter.Until.UnixMilli())
	}
	if filter.Cursor != "" {
		tsMs, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, "", err
		}
		query += fmt.Sprintf(" AND (ts_ms < $%d OR (ts_ms = $%d AND id < $%d))", argIndex, argIndex+1, argIndex+2)
		args = append(args, tsMs, tsMs, id)
		argIndex += 3
	}

	// One extra row decides whether another page exists.
	query += fmt.Sprintf(" ORDER BY ts_ms DESC, id DESC LIMIT $%d", argIndex)
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("query audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries, err := collectAuditEntries(rows)
	if err != nil {
		return nil, "", err
	}

	cursor := ""
	if len(entries) > limit {
		entries = entries[:limit]
		last := entries[limit-1]
		cursor = encodeCursor(last.Timestamp.UnixMilli(), last.ID)
	}
	return entries, cursor, nil
}

// ListBySession returns one session's entries, oldest first, capped at limit.
func (s *AuditStore) ListBySession(ctx context.Context, envID, sessionID string, limit int) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_log
		 WHERE env_id = $1 AND session_id = $2
		 ORDER BY ts_ms, id LIMIT $3`,
		envID, sessionID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list session audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectAuditEntries(rows)
}

func collectAuditEntries(rows *sql.Rows) ([]audit.Entry, error) {
	var entries []audit.Entry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanAuditEntry(rows *sql.Rows) (audit.Entry, error) {
	var (
		e              audit.Entry
		tsMs           int64
		payload        sql.NullString
		reasons        sql.NullString
		countersBefore sql.NullString
		countersAfter  sql.NullString
	)
	err := rows.Scan(
		&e.ID, &tsMs, &e.EnvID, &e.SessionID, &e.RequestID, &e.APIKeyID,
		&e.ToolName, &e.ActionType, &payload, &e.Decision, &e.ErrorCode, &reasons,
		&e.PolicyID, &e.PolicyVersionUsed, &e.PolicyHash, &e.StateBefore, &e.StateAfter,
		&countersBefore, &countersAfter, &e.ExecutionDurationMs)
	if err != nil {
		return audit.Entry{}, fmt.Errorf("scan audit entry: %w", err)
	}
	e.Timestamp = timeFromMs(tsMs)
	if payload.Valid && payload.String != "" {
		_ = json.Unmarshal([]byte(payload.String), &e.RedactedPayload)
	}
	if reasons.Valid && reasons.String != "" {
		_ = json.Unmarshal([]byte(reasons.String), &e.Reasons)
	}
	if countersBefore.Valid && countersBefore.String != "" {
		_ = json.Unmarshal([]byte(countersBefore.String), &e.CountersBefore)
	}
	if countersAfter.Valid && countersAfter.String != "" {
		_ = json.Unmarshal([]byte(countersAfter.String), &e.CountersAfter)
	}
	if e.Reasons == nil {
		e.Reasons = []decision.Reason{}
	}
	return e, nil
}

// clampLimit applies the default and maximum page sizes.
func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

// encodeCursor packs the pagination position as "tsMs:id".
func encodeCursor(tsMs int64, id string) string {
	return strconv.FormatInt(tsMs, 10) + ":" + id
}

// decodeCursor unpacks a cursor produced by encodeCursor.
func decodeCursor(cursor string) (int64, string, error) {
	tsPart, id, ok := strings.Cut(cursor, ":")
	if !ok {
		return 0, "", fmt.Errorf("malformed cursor %q", cursor)
	}
	tsMs, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed cursor %q", cursor)
	}
	return tsMs, id, nil
}

// Compile-time interface verification.
var (
	_ audit.Store      = (*AuditStore)(nil)
	_ audit.QueryStore = (*AuditStore)(nil)
)
