package retry

import (
	"context"
	"errors"
	"time"
)

// Retry calls fn up to attempts times, sleeping between failures.
func Retry(ctx context.Context, attempts int, sleep time.Duration, fn func(context.Context) error) error {
	return If(ctx, attempts, sleep, fn, func(err error) bool {
		return err != nil
	})
}

// IfErrorIs retries only while fn fails with an error matching target.
func IfErrorIs(ctx context.Context, attempts int, sleep time.Duration, fn func(context.Context) error, target error) error {
	return If(ctx, attempts, sleep, fn, func(err error) bool {
		return errors.Is(err, target)
	})
}

// If retries while predicate reports the error as retryable. The wait between
// attempts is abandoned when ctx is done, returning the last error from fn.
func If(ctx context.Context, attempts int, sleep time.Duration, fn func(context.Context) error, predicate func(error) bool) (err error) {
	for i := range attempts {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !predicate(err) || i >= attempts-1 {
			break
		}
		if serr := Sleep(ctx, sleep); serr != nil {
			return err
		}
	}
	return err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
