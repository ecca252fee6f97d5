package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/agent-warden/warden/internal/domain/audit"
)

func testEntry(i int, decision string) audit.Entry {
	return audit.Entry{
		ID:        fmt.Sprintf("aud-%03d", i),
		Timestamp: time.Date(2026, 3, 1, 12, 0, i, 0, time.UTC),
		EnvID:     "env-1",
		SessionID: "conv-1",
		ToolName:  "issue_refund",
		Decision:  decision,
	}
}

func TestAuditStore_AppendAndQuery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewAuditStore()

	for i := 0; i < 5; i++ {
		if err := store.Append(ctx, testEntry(i, audit.DecisionAllowed)); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	entries, cursor, err := store.Query(ctx, audit.Filter{EnvID: "env-1"})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if cursor != "" {
		t.Errorf("cursor = %q, want empty on last page", cursor)
	}
	if len(entries) != 5 {
		t.Fatalf("Query() returned %d entries, want 5", len(entries))
	}
	// Newest first.
	if entries[0].ID != "aud-004" || entries[4].ID != "aud-000" {
		t.Errorf("Query() order = [%s .. %s], want newest first", entries[0].ID, entries[4].ID)
	}
}

func TestAuditStore_QueryFilters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewAuditStore()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seed := []audit.Entry{
		{ID: "a1", Timestamp: base, EnvID: "env-1", SessionID: "conv-1", ToolName: "lookup_order", Decision: audit.DecisionAllowed},
		{ID: "a2", Timestamp: base.Add(time.Second), EnvID: "env-1", SessionID: "conv-1", ToolName: "issue_refund", Decision: audit.DecisionBlocked, ErrorCode: "REQUIRED_STATE_NOT_MET"},
		{ID: "a3", Timestamp: base.Add(2 * time.Second), EnvID: "env-1", SessionID: "conv-2", ToolName: "issue_refund", Decision: audit.DecisionAllowed},
		{ID: "a4", Timestamp: base.Add(3 * time.Second), EnvID: "env-2", SessionID: "conv-1", ToolName: "issue_refund", Decision: audit.DecisionBlocked, ErrorCode: "COOLDOWN_ACTIVE"},
	}
	if err := store.Append(ctx, seed...); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	tests := []struct {
		name    string
		filter  audit.Filter
		wantIDs []string
	}{
		{
			name:    "by env",
			filter:  audit.Filter{EnvID: "env-1"},
			wantIDs: []string{"a3", "a2", "a1"},
		},
		{
			name:    "by session",
			filter:  audit.Filter{EnvID: "env-1", SessionID: "conv-1"},
			wantIDs: []string{"a2", "a1"},
		},
		{
			name:    "by tool",
			filter:  audit.Filter{EnvID: "env-1", ToolName: "issue_refund"},
			wantIDs: []string{"a3", "a2"},
		},
		{
			name:    "by decision",
			filter:  audit.Filter{EnvID: "env-1", Decision: audit.DecisionBlocked},
			wantIDs: []string{"a2"},
		},
		{
			name:    "by error code",
			filter:  audit.Filter{ErrorCode: "COOLDOWN_ACTIVE"},
			wantIDs: []string{"a4"},
		},
		{
			name:    "since is inclusive",
			filter:  audit.Filter{EnvID: "env-1", Since: base.Add(time.Second)},
			wantIDs: []string{"a3", "a2"},
		},
		{
			name:    "until is exclusive",
			filter:  audit.Filter{EnvID: "env-1", Until: base.Add(time.Second)},
			wantIDs: []string{"a1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			entries, _, err := store.Query(ctx, tt.filter)
			if err != nil {
				t.Fatalf("Query() error: %v", err)
			}
			if len(entries) != len(tt.wantIDs) {
				t.Fatalf("Query() returned %d entries, want %d", len(entries), len(tt.wantIDs))
			}
			for i, want := range tt.wantIDs {
				if entries[i].ID != want {
					t.Errorf("entries[%d].ID = %q, want %q", i, entries[i].ID, want)
				}
			}
		})
	}
}

func TestAuditStore_QueryPagination(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewAuditStore()

	for i := 0; i < 7; i++ {
		if err := store.Append(ctx, testEntry(i, audit.DecisionAllowed)); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	var seen []string
	cursor := ""
	pages := 0
	for {
		entries, next, err := store.Query(ctx, audit.Filter{EnvID: "env-1", Limit: 3, Cursor: cursor})
		if err != nil {
			t.Fatalf("Query() error: %v", err)
		}
		for _, e := range entries {
			seen = append(seen, e.ID)
		}
		pages++
		if next == "" {
			break
		}
		cursor = next
		if pages > 10 {
			t.Fatal("pagination did not terminate")
		}
	}

	if pages != 3 {
		t.Errorf("walked %d pages, want 3", pages)
	}
	if len(seen) != 7 {
		t.Fatalf("paginated over %d entries, want 7", len(seen))
	}
	for i, id := range seen {
		want := fmt.Sprintf("aud-%03d", 6-i)
		if id != want {
			t.Errorf("seen[%d] = %q, want %q", i, id, want)
		}
	}
}

func TestAuditStore_ListBySession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewAuditStore()

	for i := 0; i < 4; i++ {
		if err := store.Append(ctx, testEntry(i, audit.DecisionAllowed)); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}
	other := testEntry(99, audit.DecisionBlocked)
	other.SessionID = "conv-other"
	if err := store.Append(ctx, other); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	entries, err := store.ListBySession(ctx, "env-1", "conv-1", 10)
	if err != nil {
		t.Fatalf("ListBySession() error: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("ListBySession() returned %d entries, want 4", len(entries))
	}
	// Oldest first.
	if entries[0].ID != "aud-000" || entries[3].ID != "aud-003" {
		t.Errorf("ListBySession() order = [%s .. %s], want oldest first", entries[0].ID, entries[3].ID)
	}

	capped, err := store.ListBySession(ctx, "env-1", "conv-1", 2)
	if err != nil {
		t.Fatalf("ListBySession() error: %v", err)
	}
	if len(capped) != 2 {
		t.Errorf("ListBySession() with limit 2 returned %d entries", len(capped))
	}
}

func TestAuditStore_RingBufferDropsOldest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewAuditStore(3)

	for i := 0; i < 5; i++ {
		if err := store.Append(ctx, testEntry(i, audit.DecisionAllowed)); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	if store.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", store.Len())
	}
	entries, _, err := store.Query(ctx, audit.Filter{EnvID: "env-1"})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Query() returned %d entries, want 3", len(entries))
	}
	if entries[0].ID != "aud-004" || entries[2].ID != "aud-002" {
		t.Errorf("ring kept [%s .. %s], want the newest three", entries[0].ID, entries[2].ID)
	}
}

func TestAuditStore_BatchAppend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewAuditStore()

	batch := []audit.Entry{
		testEntry(0, audit.DecisionAllowed),
		testEntry(1, audit.DecisionBlocked),
		testEntry(2, audit.DecisionAllowed),
	}
	if err := store.Append(ctx, batch...); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if store.Len() != 3 {
		t.Errorf("Len() = %d, want 3", store.Len())
	}
}
