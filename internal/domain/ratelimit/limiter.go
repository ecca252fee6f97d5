package ratelimit

import "context"

// Limiter is the interface for rate limiting operations.
//
// The model is a fixed per-minute window: each API key gets a counter per
// window, the counter is incremented first, and the request is rejected when
// the incremented value exceeds the limit. Increment-then-check keeps the
// operation a single atomic write on every backend.
//
// The interface is storage-agnostic; implementations are backed by SQL,
// Redis, or an in-memory map.
type Limiter interface {
	// Allow records a request for keyID at nowMs and reports whether it fits
	// under limit requests per minute. When the request is rejected,
	// RetryAfter in the result indicates when the window rolls over.
	Allow(ctx context.Context, keyID string, limit int, nowMs int64) (Result, error)
}
