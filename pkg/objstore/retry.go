package objstore

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

var (
	// ErrAttemptsExhausted is returned once a transient store failure has
	// outlived the retry ceiling.  The batch is held and must not be
	// acknowledged upstream.
	ErrAttemptsExhausted = fmt.Errorf("ERR_STORE_001: Object store attempts exhausted.  The batch is held and its positions will not be acknowledged.")
)

// Policy is an explicit retry policy for transient object store failures.
// Expressing it as a value keeps the backoff schedule unit-testable apart
// from any I/O.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter randomizes each delay by up to this fraction in either
	// direction, in [0, 1].
	Jitter float64
}

// Delay returns the backoff before the given retry (attempt is 1-based: the
// delay after the attempt'th failure).
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d *= 1 + p.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}

// Do runs fn under the policy.  Transient errors are retried with jittered
// exponential backoff up to MaxAttempts; fatal errors return immediately.
// onRetry, when set, observes each transient failure before its backoff.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error, onRetry func(err error, delay time.Duration)) error {
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !Transient(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := p.Delay(attempt)
		if onRetry != nil {
			onRetry(err, delay)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%w (last error: %v)", ErrAttemptsExhausted, err)
}
