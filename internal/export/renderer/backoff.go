package renderer

import (
	"context"
	"time"

	"github.com/xraph/dispatch/backoff"
)

// NewBackoff doubles the wait before each retry starting at 2*base, so with
// a 1s base the retries wait 2s, 4s and 8s.
func NewBackoff(base time.Duration) backoff.Strategy {
	return backoff.NewExponential(2*base, 0)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
