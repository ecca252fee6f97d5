package sqlstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/agent-warden/warden/internal/domain/session"
)

func testSeed() session.Seed {
	return session.Seed{
		AgentID:         "agent-1",
		PolicyID:        "pol-1",
		PolicyVersion:   2,
		InitialState:    "initial",
		InitialCounters: map[string]int64{"refund_total": 0},
		Metadata:        map[string]any{"channel": "chat"},
	}
}

func TestSessionStore_GetOrCreate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore(setupTestDB(t))

	sess, created, err := store.GetOrCreate(ctx, "env-1", "conv-1", testSeed())
	if err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}
	if !created {
		t.Error("first GetOrCreate() should report created=true")
	}
	if sess.PolicyVersionLocked != 2 {
		t.Errorf("PolicyVersionLocked = %d, want 2", sess.PolicyVersionLocked)
	}
	if sess.CurrentState != "initial" || sess.InitialState != "initial" {
		t.Errorf("states = (%q, %q), want both initial", sess.CurrentState, sess.InitialState)
	}
	if sess.Counters["refund_total"] != 0 {
		t.Errorf("Counters = %v, want seeded refund_total", sess.Counters)
	}
	if sess.Metadata["channel"] != "chat" {
		t.Errorf("Metadata = %v, want channel passthrough", sess.Metadata)
	}

	again, created, err := store.GetOrCreate(ctx, "env-1", "conv-1", session.Seed{PolicyID: "pol-other", InitialState: "other"})
	if err != nil {
		t.Fatalf("second GetOrCreate() error: %v", err)
	}
	if created {
		t.Error("second GetOrCreate() should report created=false")
	}
	if again.ID != sess.ID || again.PolicyID != "pol-1" {
		t.Errorf("second call returned (%q, %q), want the original record", again.ID, again.PolicyID)
	}
}

func TestSessionStore_GetNonExistent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore(setupTestDB(t))

	if _, err := store.Get(ctx, "env-1", "nonexistent"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestSessionStore_WithLockPersist(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore(setupTestDB(t))

	if _, _, err := store.GetOrCreate(ctx, "env-1", "conv-1", testSeed()); err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}

	err := store.WithLock(ctx, "env-1", "conv-1", func(s *session.Session) (bool, error) {
		s.CurrentState = "verified"
		s.Counters["refund_total"] = 40
		s.ToolCallsHistory = append(s.ToolCallsHistory, "verify_identity")
		s.ToolCallCounts["verify_identity"] = 1
		s.LastToolCallTimes["verify_identity"] = 1_700_000_000_000
		return true, nil
	})
	if err != nil {
		t.Fatalf("WithLock() error: %v", err)
	}

	got, err := store.Get(ctx, "env-1", "conv-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.CurrentState != "verified" {
		t.Errorf("CurrentState = %q, want verified", got.CurrentState)
	}
	if got.Counters["refund_total"] != 40 {
		t.Errorf("refund_total = %d, want 40", got.Counters["refund_total"])
	}
	if len(got.ToolCallsHistory) != 1 || got.ToolCallsHistory[0] != "verify_identity" {
		t.Errorf("history = %v, want [verify_identity]", got.ToolCallsHistory)
	}
	if got.ToolCallCounts["verify_identity"] != 1 {
		t.Errorf("call counts = %v, want verify_identity once", got.ToolCallCounts)
	}
	if got.LastToolCallTimes["verify_identity"] != 1_700_000_000_000 {
		t.Errorf("last call times = %v", got.LastToolCallTimes)
	}
}

func TestSessionStore_WithLockNoPersist(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore(setupTestDB(t))

	if _, _, err := store.GetOrCreate(ctx, "env-1", "conv-1", testSeed()); err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}

	err := store.WithLock(ctx, "env-1", "conv-1", func(s *session.Session) (bool, error) {
		s.CurrentState = "discarded"
		return false, nil
	})
	if err != nil {
		t.Fatalf("WithLock() error: %v", err)
	}

	got, err := store.Get(ctx, "env-1", "conv-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.CurrentState != "initial" {
		t.Errorf("CurrentState = %q, want unchanged initial", got.CurrentState)
	}
}

func TestSessionStore_WithLockError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore(setupTestDB(t))

	if _, _, err := store.GetOrCreate(ctx, "env-1", "conv-1", testSeed()); err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}

	wantErr := errors.New("evaluation failed")
	err := store.WithLock(ctx, "env-1", "conv-1", func(s *session.Session) (bool, error) {
		s.CurrentState = "poisoned"
		return true, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("WithLock() error = %v, want %v", err, wantErr)
	}

	got, err := store.Get(ctx, "env-1", "conv-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.CurrentState != "initial" {
		t.Errorf("CurrentState = %q, mutation must not persist on error", got.CurrentState)
	}
}

func TestSessionStore_WithLockNotFound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore(setupTestDB(t))

	err := store.WithLock(ctx, "env-1", "ghost", func(s *session.Session) (bool, error) {
		t.Error("fn should not run for a missing session")
		return false, nil
	})
	if !errors.Is(err, session.ErrNotFound) {
		t.Errorf("WithLock() error = %v, want ErrNotFound", err)
	}
}

func TestSessionStore_WithLockSerializes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore(setupTestDB(t))

	if _, _, err := store.GetOrCreate(ctx, "env-1", "conv-1", testSeed()); err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}

	const goroutines = 50

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithLock(ctx, "env-1", "conv-1", func(s *session.Session) (bool, error) {
				s.Counters["refund_total"]++
				return true, nil
			})
			if err != nil {
				t.Errorf("WithLock() error: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, "env-1", "conv-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Counters["refund_total"] != goroutines {
		t.Errorf("refund_total = %d, want %d (lost updates)", got.Counters["refund_total"], goroutines)
	}
}

func TestSessionStore_ConcurrentGetOrCreate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore(setupTestDB(t))

	const goroutines = 20

	var wg sync.WaitGroup
	ids := make(chan string, goroutines)
	createdCh := make(chan bool, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, created, err := store.GetOrCreate(ctx, "env-1", "conv-race", testSeed())
			if err != nil {
				t.Errorf("GetOrCreate() error: %v", err)
				return
			}
			ids <- sess.ID
			createdCh <- created
		}()
	}
	wg.Wait()
	close(ids)
	close(createdCh)

	var first string
	for id := range ids {
		if first == "" {
			first = id
		} else if id != first {
			t.Errorf("concurrent GetOrCreate() produced distinct records %q and %q", first, id)
		}
	}
	createdCount := 0
	for c := range createdCh {
		if c {
			createdCount++
		}
	}
	if createdCount != 1 {
		t.Errorf("created reported true %d times, want exactly 1", createdCount)
	}
}
