package sqlstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agent-warden/warden/internal/domain/ratelimit"
)

// RateLimiter implements ratelimit.Limiter with per-minute counters in the
// database. The increment is a single upsert, so concurrent requests racing
// on one key each observe their own admission count.
type RateLimiter struct {
	db *DB

	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
	maxAge          time.Duration
}

// NewRateLimiter creates a SQL-backed rate limiter with default cleanup
// settings: sweep every 5 minutes, drop windows older than 10 minutes.
func NewRateLimiter(db *DB) *RateLimiter {
	return NewRateLimiterWithConfig(db, 5*time.Minute, 10*time.Minute)
}

// NewRateLimiterWithConfig creates a SQL-backed rate limiter with custom
// cleanup settings.
func NewRateLimiterWithConfig(db *DB, cleanupInterval, maxAge time.Duration) *RateLimiter {
	return &RateLimiter{
		db:              db,
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
		maxAge:          maxAge,
	}
}

// Allow records a request and checks it against the per-minute limit.
// Increment happens before the check, so concurrent requests cannot both
// claim the last slot.
func (r *RateLimiter) Allow(ctx context.Context, keyID string, limit int, nowMs int64) (ratelimit.Result, error) {
	windowStart := ratelimit.WindowStart(nowMs)
	key := ratelimit.KeyFor(keyID, windowStart)

	var count int64
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO rate_windows (rate_key, window_start_ms, count)
		 VALUES ($1, $2, 1)
		 ON CONFLICT (rate_key) DO UPDATE SET count = rate_windows.count + 1
		 RETURNING count`,
		key, windowStart).Scan(&count)
	if err != nil {
		return ratelimit.Result{}, fmt.Errorf("increment rate window: %w", err)
	}

	result := ratelimit.Result{Count: count}
	if count > int64(limit) {
		result.RetryAfter = time.Duration(windowStart+ratelimit.WindowMillis-nowMs) * time.Millisecond
		return result, nil
	}
	result.Allowed = true
	result.Remaining = int64(limit) - count
	return result, nil
}

// StartCleanup starts the background cleanup goroutine. It stops when ctx
// is cancelled or Stop() is called.
func (r *RateLimiter) StartCleanup(ctx context.Context) {
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
				r.cleanup(ctx)
			}
		}
	}()
}

// cleanup deletes windows older than maxAge.
func (r *RateLimiter) cleanup(ctx context.Context) {
	cutoff := time.Now().Add(-r.maxAge).UnixMilli()
	res, err := r.db.ExecContext(ctx, `DELETE FROM rate_windows WHERE window_start_ms < $1`, cutoff)
	if err != nil {
		slog.Warn("rate window cleanup failed", "error", err)
		return
	}
	if cleaned, err := res.RowsAffected(); err == nil && cleaned > 0 {
		slog.Debug("rate limiter cleanup completed", "cleaned_windows", cleaned)
	}
}

// Stop gracefully stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (r *RateLimiter) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

// Compile-time interface verification.
var _ ratelimit.Limiter = (*RateLimiter)(nil)
