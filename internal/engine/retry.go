package engine

import (
	"context"
	"time"

	"github.com/petrijr/shipflow/pkg/api"
)

// withRetry runs op until it succeeds, returns a logical error, or the
// policy's attempts are used up. Only storage errors outside the logical
// taxonomy are retried.
func withRetry(ctx context.Context, policy api.RetryPolicy, op func() error) error {
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op()
		if lastErr == nil || api.IsLogical(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}

		if delay := policy.Backoff(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return lastErr
}
