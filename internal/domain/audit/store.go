package audit

import (
	"context"
	"time"
)

// Store persists audit entries.
// Interface owned by domain per hexagonal architecture. Implementations are
// plain synchronous writers; batching and non-blocking behavior live in the
// service-level writer that wraps them.
type Store interface {
	// Append stores entries in order. Partial writes are not acceptable;
	// implementations write the batch atomically or fail it whole.
	Append(ctx context.Context, entries ...Entry) error
}

// Filter specifies query parameters for audit log queries.
type Filter struct {
	// EnvID scopes the query to one environment (required).
	EnvID string
	// SessionID filters by caller-chosen session ID (optional).
	SessionID string
	// ToolName filters by tool name (optional).
	ToolName string
	// Decision filters by "allowed" or "blocked" (optional).
	Decision string
	// ErrorCode filters by canonical error code (optional).
	ErrorCode string
	// Since and Until bound the time range (optional, inclusive start,
	// exclusive end).
	Since time.Time
	Until time.Time
	// Limit caps the number of entries returned (default 100, max 1000).
	Limit int
	// Cursor is the pagination cursor for fetching the next page (optional).
	Cursor string
}

// QueryStore provides read access to the audit log for admin queries.
// Separate from Store, which only appends.
type QueryStore interface {
	// Query retrieves entries matching the filter, newest first. Returns
	// entries and the next cursor (empty when no more pages).
	Query(ctx context.Context, filter Filter) ([]Entry, string, error)

	// ListBySession returns the entries for one session, oldest first,
	// capped at limit.
	ListBySession(ctx context.Context, envID, sessionID string, limit int) ([]Entry, error)
}
