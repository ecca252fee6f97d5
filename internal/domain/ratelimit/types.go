// Package ratelimit provides per-key fixed-window rate limiting types.
package ratelimit

import (
	"fmt"
	"time"
)

// WindowMillis is the width of the rate window. Limits are expressed as
// requests per minute, so the window is one minute.
const WindowMillis int64 = 60_000

// Result contains the result of a rate limit check.
type Result struct {
	// Allowed indicates whether the request fits in the current window.
	Allowed bool

	// Count is the number of requests recorded in the window, this one
	// included.
	Count int64

	// Remaining is the number of requests left in the window, never negative.
	Remaining int64

	// RetryAfter is the duration until the window rolls over.
	// Only meaningful when Allowed is false.
	RetryAfter time.Duration
}

// WindowStart truncates an epoch-millisecond timestamp to the start of its
// minute window.
func WindowStart(nowMs int64) int64 {
	return nowMs / WindowMillis * WindowMillis
}

// KeyFor returns the structured counter key for an API key in a window.
// Format: "warden:rate:{keyID}:{windowStart}"
func KeyFor(keyID string, windowStart int64) string {
	return fmt.Sprintf("warden:rate:%s:%d", keyID, windowStart)
}
