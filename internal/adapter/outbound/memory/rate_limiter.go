package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agent-warden/warden/internal/domain/ratelimit"
)

// windowEntry is one per-key per-minute counter.
type windowEntry struct {
	start int64
	count int64
}

// MemoryRateLimiter implements ratelimit.Limiter with per-minute counters
// in memory. Thread-safe for concurrent access. For development/testing
// only. Includes background cleanup to prevent unbounded growth.
type MemoryRateLimiter struct {
	windows         map[string]*windowEntry
	mu              sync.Mutex
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
	maxAge          time.Duration
}

// NewRateLimiter creates a new in-memory rate limiter with default cleanup
// settings: sweep every 5 minutes, drop windows older than 10 minutes.
func NewRateLimiter() *MemoryRateLimiter {
	return NewRateLimiterWithConfig(5*time.Minute, 10*time.Minute)
}

// NewRateLimiterWithConfig creates a new in-memory rate limiter with custom
// cleanup settings.
func NewRateLimiterWithConfig(cleanupInterval, maxAge time.Duration) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		windows:         make(map[string]*windowEntry),
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
		maxAge:          maxAge,
	}
}

// Allow records a request and checks it against the per-minute limit.
// Increment happens before the check, so concurrent requests cannot both
// claim the last slot.
func (r *MemoryRateLimiter) Allow(ctx context.Context, keyID string, limit int, nowMs int64) (ratelimit.Result, error) {
	windowStart := ratelimit.WindowStart(nowMs)
	key := ratelimit.KeyFor(keyID, windowStart)

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.windows[key]
	if !ok {
		entry = &windowEntry{start: windowStart}
		r.windows[key] = entry
	}
	entry.count++

	result := ratelimit.Result{Count: entry.count}
	if entry.count > int64(limit) {
		result.RetryAfter = time.Duration(windowStart+ratelimit.WindowMillis-nowMs) * time.Millisecond
		return result, nil
	}
	result.Allowed = true
	result.Remaining = int64(limit) - entry.count
	return result, nil
}

// StartCleanup starts the background cleanup goroutine. It stops when ctx
// is cancelled or Stop() is called.
func (r *MemoryRateLimiter) StartCleanup(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.cleanup()
			}
		}
	}()
}

// cleanup removes windows older than maxAge.
func (r *MemoryRateLimiter) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.maxAge).UnixMilli()
	cleaned := 0
	for key, entry := range r.windows {
		if entry.start < cutoff {
			delete(r.windows, key)
			cleaned++
		}
	}
	if cleaned > 0 {
		slog.Debug("rate limiter cleanup completed",
			"cleaned_windows", cleaned,
			"remaining_windows", len(r.windows))
	}
}

// Stop gracefully stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (r *MemoryRateLimiter) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

// Size returns the current number of tracked windows.
// Useful for testing and monitoring memory usage.
func (r *MemoryRateLimiter) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}

// Compile-time interface verification.
var _ ratelimit.Limiter = (*MemoryRateLimiter)(nil)
