package vector

import (
	"context"
	"time"

	"github.com/veille-labs/courant/pkg/models"
)

// Retry policy for transient index failures. Delays double per attempt
// up to the cap; anything still failing after the last attempt is
// surfaced to the caller.
const (
	retryAttempts  = 3
	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = time.Second
)

// WithRetry runs fn, retrying transient index failures with capped
// exponential backoff. Other errors return immediately, as does a
// cancelled context.
func WithRetry(ctx context.Context, fn func() error) error {
	delay := retryBaseDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !models.IsTransientIndex(err) || attempt == retryAttempts {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
}
