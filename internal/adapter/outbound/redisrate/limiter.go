// Package redisrate implements the per-minute rate gate on Redis, for
// deployments where several service instances must share windows.
package redisrate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agent-warden/warden/internal/domain/ratelimit"
)

// keyTTL keeps window keys around long enough to serve late requests in
// the same window, then lets Redis reclaim them.
const keyTTL = 2 * time.Minute

// Limiter implements ratelimit.Limiter with one Redis counter per
// (key, window). INCR and PEXPIRE run in one transactional pipeline, so
// concurrent requests racing on a key each observe a distinct count.
type Limiter struct {
	client redis.UniversalClient
}

// New creates a Redis-backed rate limiter on an existing client.
func New(client redis.UniversalClient) *Limiter {
	return &Limiter{client: client}
}

// Open connects to the Redis named by url (redis://host:port/db) and
// verifies the connection.
func Open(ctx context.Context, url string) (*Limiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Limiter{client: client}, nil
}

// Allow records a request and checks it against the per-minute limit.
// Increment happens before the check, so concurrent requests cannot both
// claim the last slot. Backend errors are returned to the caller; the
// decision layer fails closed on them.
func (l *Limiter) Allow(ctx context.Context, keyID string, limit int, nowMs int64) (ratelimit.Result, error) {
	windowStart := ratelimit.WindowStart(nowMs)
	key := ratelimit.KeyFor(keyID, windowStart)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.PExpire(ctx, key, keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return ratelimit.Result{}, fmt.Errorf("increment rate window: %w", err)
	}

	count := incr.Val()
	result := ratelimit.Result{Count: count}
	if count > int64(limit) {
		result.RetryAfter = time.Duration(windowStart+ratelimit.WindowMillis-nowMs) * time.Millisecond
		return result, nil
	}
	result.Allowed = true
	result.Remaining = int64(limit) - count
	return result, nil
}

// Close releases the underlying client.
func (l *Limiter) Close() error {
	return l.client.Close()
}

// Compile-time interface verification.
var _ ratelimit.Limiter = (*Limiter)(nil)
