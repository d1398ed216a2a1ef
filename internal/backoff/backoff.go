package backoff

import (
	"context"
	"errors"
	"time"
)

// Retry calls f until it returns nil, waiting between calls with an interval
// that starts at initial and doubles after each failure up to limit. The time taken
// by f is not counted towards the interval.
//
// Cancelling ctx stops further calls. Retry then returns the context error
// joined with the last error from f. A call to f that is in flight is not
// interrupted.
func Retry(ctx context.Context, initial, limit time.Duration, f func() error) error {
	interval := initial
	for {
		err := f()
		if err == nil {
			return nil
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(ctx.Err(), err)
		case <-t.C:
		}
		interval <<= 1
		if interval > limit {
			interval = limit
		}
	}
}
