// Package retry holds the backoff schedule shared by the matching and
// settlement loops.
package retry

import (
	"context"
	"time"
)

// Backoff returns base * 2^attempt capped at max. Negative attempts get base.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	// 2^30 * any sane base is already far past max.
	if attempt > 30 {
		return max
	}
	d := base * time.Duration(1<<attempt)
	if d > max || d <= 0 {
		return max
	}
	return d
}

// Sleep waits for d or until ctx is done. It reports whether d elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
