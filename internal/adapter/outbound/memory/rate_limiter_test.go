package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/agent-warden/warden/internal/domain/ratelimit"
)

func TestRateLimiter_AllowWithinLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter()
	nowMs := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC).UnixMilli()

	for i := 1; i <= 5; i++ {
		res, err := limiter.Allow(ctx, "key-1", 5, nowMs)
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if res.Count != int64(i) {
			t.Errorf("Count = %d, want %d", res.Count, i)
		}
		if res.Remaining != int64(5-i) {
			t.Errorf("Remaining = %d, want %d", res.Remaining, 5-i)
		}
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter()
	// 30 seconds into the window.
	nowMs := ratelimit.WindowStart(time.Now().UnixMilli()) + 30_000

	for i := 0; i < 3; i++ {
		if _, err := limiter.Allow(ctx, "key-1", 3, nowMs); err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
	}

	res, err := limiter.Allow(ctx, "key-1", 3, nowMs)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if res.Allowed {
		t.Error("request over the limit should be blocked")
	}
	if res.Count != 4 {
		t.Errorf("Count = %d, want 4 (increment before check)", res.Count)
	}
	// 30s left in the window.
	if res.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", res.RetryAfter)
	}
}

func TestRateLimiter_WindowRollover(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter()
	start := ratelimit.WindowStart(time.Now().UnixMilli())

	for i := 0; i < 2; i++ {
		if _, err := limiter.Allow(ctx, "key-1", 2, start); err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
	}
	res, err := limiter.Allow(ctx, "key-1", 2, start)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if res.Allowed {
		t.Error("third request in window should be blocked")
	}

	// The next minute starts a fresh counter.
	res, err = limiter.Allow(ctx, "key-1", 2, start+ratelimit.WindowMillis)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if !res.Allowed {
		t.Error("first request of the next window should be allowed")
	}
	if res.Count != 1 {
		t.Errorf("Count = %d, want 1 in the new window", res.Count)
	}
}

func TestRateLimiter_IndependentKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter()
	nowMs := time.Now().UnixMilli()

	if _, err := limiter.Allow(ctx, "key-a", 1, nowMs); err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	res, err := limiter.Allow(ctx, "key-b", 1, nowMs)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if !res.Allowed {
		t.Error("key-b should have its own window")
	}
}

func TestRateLimiter_ConcurrentNoOverAdmission(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter()
	nowMs := time.Now().UnixMilli()

	const goroutines = 100
	const limit = 10

	var wg sync.WaitGroup
	allowed := make(chan bool, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := limiter.Allow(ctx, "key-1", limit, nowMs)
			if err != nil {
				t.Errorf("Allow() error: %v", err)
				return
			}
			allowed <- res.Allowed
		}()
	}
	wg.Wait()
	close(allowed)

	count := 0
	for a := range allowed {
		if a {
			count++
		}
	}
	if count != limit {
		t.Errorf("%d requests admitted, want exactly %d", count, limit)
	}
}

func TestRateLimiter_CleanupRemovesStaleWindows(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiter := NewRateLimiterWithConfig(20*time.Millisecond, 50*time.Millisecond)
	limiter.StartCleanup(ctx)
	defer limiter.Stop()

	// A window well in the past, older than maxAge.
	staleMs := time.Now().Add(-time.Hour).UnixMilli()
	if _, err := limiter.Allow(ctx, "key-stale", 10, staleMs); err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if limiter.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", limiter.Size())
	}

	time.Sleep(100 * time.Millisecond)

	if limiter.Size() != 0 {
		t.Errorf("Size() after cleanup = %d, want 0", limiter.Size())
	}
}

func TestRateLimiter_NoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())

	limiter := NewRateLimiterWithConfig(10*time.Millisecond, 50*time.Millisecond)
	limiter.StartCleanup(ctx)

	if _, err := limiter.Allow(ctx, "key-1", 10, time.Now().UnixMilli()); err != nil {
		t.Fatalf("Allow() error: %v", err)
	}

	cancel()
	limiter.Stop()
}

func TestRateLimiter_StopMultipleCalls(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiter := NewRateLimiterWithConfig(10*time.Millisecond, 50*time.Millisecond)
	limiter.StartCleanup(ctx)

	limiter.Stop()
	limiter.Stop()
	limiter.Stop()
}
