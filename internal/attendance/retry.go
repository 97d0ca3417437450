package attendance

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy bounds retries of the attendance insert.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
}

// DefaultRetry is three attempts, 100ms then 200ms apart.
var DefaultRetry = RetryPolicy{Attempts: 3, Base: 100 * time.Millisecond}

// do runs fn until it succeeds, returns a settled error, or attempts run out.
// The wait doubles after every failure.
func (p RetryPolicy) do(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	wait := p.Base

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || settled(err) || errors.Is(err, context.Canceled) {
			return err
		}
		if i == attempts-1 {
			break
		}
		writeRetries.Inc()
		select {
		case <-ctx.Done():
			return err
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}
