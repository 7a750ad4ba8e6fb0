package rkflash

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// retry calls fn until it succeeds, attempts are exhausted or the failure is
// one that another attempt cannot fix. It returns the last error.
func retry(ctx context.Context, attempts int, delay time.Duration, fn func(attempt int) error) error {
	attempts = max(attempts, 1)

	var err error
	for attempt := range attempts {
		if attempt > 0 {
			if serr := sleep(ctx, delay); serr != nil {
				return fmt.Errorf("%w (last error: %w)", serr, err)
			}
		}
		if err = fn(attempt); err == nil {
			return nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return err
		}
	}
	return err
}

// retryable reports whether another attempt may succeed.
func retryable(err error) bool {
	var stateErr *StateError
	switch {
	case errors.Is(err, ErrTransportDisconnected):
		return false
	case errors.As(err, &stateErr):
		return false
	}
	return true
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
