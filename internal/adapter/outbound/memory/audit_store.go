package memory

import (
	"context"
	"sync"

	"github.com/agent-warden/warden/internal/domain/audit"
)

const defaultRecentCap = 10_000

// MemoryAuditStore implements audit.Store and audit.QueryStore with a
// bounded in-memory ring buffer. Oldest entries are dropped once the
// capacity is reached. For development/testing only.
type MemoryAuditStore struct {
	mu     sync.RWMutex
	recent []audit.Entry
	cap    int
}

// resolveCapacity returns the first positive capacity value, or defaultRecentCap.
func resolveCapacity(capacity ...int) int {
	if len(capacity) > 0 && capacity[0] > 0 {
		return capacity[0]
	}
	return defaultRecentCap
}

// NewAuditStore creates a new in-memory audit store.
// An optional capacity parameter sets the ring buffer size (default 10000).
func NewAuditStore(capacity ...int) *MemoryAuditStore {
	cap := resolveCapacity(capacity...)
	return &MemoryAuditStore{
		recent: make([]audit.Entry, 0, cap),
		cap:    cap,
	}
}

// Append stores entries in arrival order, dropping the oldest past capacity.
func (s *MemoryAuditStore) Append(ctx context.Context, entries ...audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if len(s.recent) >= s.cap {
			copy(s.recent, s.recent[1:])
			s.recent[len(s.recent)-1] = e
		} else {
			s.recent = append(s.recent, e)
		}
	}
	return nil
}

// Query retrieves entries matching the filter, newest first. The cursor is
// the ID of the last entry of the previous page; iteration resumes after it.
func (s *MemoryAuditStore) Query(ctx context.Context, filter audit.Filter) ([]audit.Entry, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := clampLimit(filter.Limit)

	// Skip entries until the cursor position has been passed.
	skipping := filter.Cursor != ""

	var result []audit.Entry
	for i := len(s.recent) - 1; i >= 0; i-- {
		e := s.recent[i]
		if skipping {
			if e.ID == filter.Cursor {
				skipping = false
			}
			continue
		}
		if !matchesFilter(e, filter) {
			continue
		}
		if len(result) == limit {
			// One more match exists beyond the page, so hand back a cursor.
			return result, result[len(result)-1].ID, nil
		}
		result = append(result, e)
	}
	return result, "", nil
}

// ListBySession returns one session's entries, oldest first, capped at limit.
func (s *MemoryAuditStore) ListBySession(ctx context.Context, envID, sessionID string, limit int) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = clampLimit(limit)

	var result []audit.Entry
	for _, e := range s.recent {
		if e.EnvID != envID || e.SessionID != sessionID {
			continue
		}
		result = append(result, e)
		if len(result) == limit {
			break
		}
	}
	return result, nil
}

// Len returns the number of buffered entries.
func (s *MemoryAuditStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recent)
}

// matchesFilter reports whether an entry satisfies every set filter field.
func matchesFilter(e audit.Entry, f audit.Filter) bool {
	if f.EnvID != "" && e.EnvID != f.EnvID {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.ToolName != "" && e.ToolName != f.ToolName {
		return false
	}
	if f.Decision != "" && e.Decision != f.Decision {
		return false
	}
	if f.ErrorCode != "" && e.ErrorCode != f.ErrorCode {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.Timestamp.Before(f.Until) {
		return false
	}
	return true
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

// Compile-time interface verification.
var _ audit.Store = (*MemoryAuditStore)(nil)
var _ audit.QueryStore = (*MemoryAuditStore)(nil)
