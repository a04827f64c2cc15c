// Package retry computes jittered exponential backoff. Collaborator reads
// retry in-process with Do; saga retries use Backoff to schedule the next
// queued attempt.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// MaxDelay caps any single computed delay.
const MaxDelay = 5 * time.Minute

// Backoff returns the delay before retry number attempt (0-based): base
// doubled per attempt, capped at MaxDelay, then jittered by up to 25% either
// way so that saga retries scheduled together do not fire together.
func Backoff(attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for ; attempt > 0 && delay < MaxDelay; attempt-- {
		delay <<= 1
	}
	delay = min(delay, MaxDelay)

	spread := int64(delay / 4)
	if spread == 0 {
		return delay
	}
	return delay + time.Duration(rand.Int64N(2*spread+1)-spread)
}

type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p)
}

// Do calls fn until it succeeds, returns a Permanent error, ctx ends, or
// attempts calls have been made. The last error is returned.
func Do(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	attempts = max(attempts, 1)

	for i := 0; ; i++ {
		err := fn()
		var p permanent
		switch {
		case err == nil:
			return nil
		case errors.As(err, &p):
			return p.err
		case i == attempts-1:
			return err
		}

		timer := time.NewTimer(Backoff(i, base))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
