package push

import (
	"context"
	"time"
)

// Backoff returns the wait before the given counted reconnect attempt
// (1-based): base, 2*base, 4*base, ...
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	return base << shift
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
