// Package retry provides the exponential backoff used to establish the
// SSH gateway and the breaker that fails pair dials fast while that
// gateway is down.
//
// Neither is applied to individual pairs: a pair whose upstream dial
// fails is closed, never retried.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ── Permanent errors ─────────────────────────────────────────────────

// PermanentError wraps an error to signal that retrying will not help
// (bad credentials, unknown host key).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable.  [Backoff.Do] returns the inner
// error immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err has been marked as permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ErrExhausted is wrapped by the error Do returns when MaxAttempts runs
// out.
var ErrExhausted = errors.New("retry budget exhausted")

// ── Backoff ──────────────────────────────────────────────────────────

// Backoff implements exponential backoff with optional jitter.
type Backoff struct {
	InitialDelay time.Duration // first wait, default 1s
	MaxDelay     time.Duration // cap, default 60s
	Multiplier   float64       // default 2.0
	MaxAttempts  int           // total tries; 0 means until ctx is done
	Jitter       bool          // ±25% per wait

	// OnRetry, when set, is called after a failed attempt and before
	// the wait that follows it.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultBackoff returns the gateway connect policy: 1s doubling to
// maxDelay, jittered, for the given number of attempts.
func DefaultBackoff(attempts int, maxDelay time.Duration) *Backoff {
	return &Backoff{
		InitialDelay: time.Second,
		MaxDelay:     maxDelay,
		Multiplier:   2.0,
		MaxAttempts:  attempts,
		Jitter:       true,
	}
}

// Delay returns the un-jittered wait after the given 1-based attempt.
func (b *Backoff) Delay(attempt int) time.Duration {
	initial, mult, ceiling := b.params()
	d := float64(initial) * math.Pow(mult, float64(attempt-1))
	if d > float64(ceiling) || math.IsInf(d, 0) {
		return ceiling
	}
	return time.Duration(d)
}

func (b *Backoff) params() (initial time.Duration, mult float64, ceiling time.Duration) {
	initial, mult, ceiling = b.InitialDelay, b.Multiplier, b.MaxDelay
	if initial <= 0 {
		initial = time.Second
	}
	if mult <= 0 {
		mult = 2.0
	}
	if ceiling <= 0 {
		ceiling = 60 * time.Second
	}
	return initial, mult, ceiling
}

// Do calls fn until it succeeds, returns a [Permanent] error, the
// attempt budget runs out or ctx is done.  attempt is 1-based.
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return errors.Unwrap(err)
		}
		if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
		}

		wait := b.Delay(attempt)
		if b.Jitter {
			wait = addJitter(wait)
		}
		if b.OnRetry != nil {
			b.OnRetry(attempt, err, wait)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-t.C:
		}
	}
}

// addJitter adds ±25% randomisation to a duration.
func addJitter(d time.Duration) time.Duration {
	quarter := float64(d) * 0.25
	delta := (rand.Float64() * 2 * quarter) - quarter
	return time.Duration(math.Max(float64(d)+delta, float64(time.Millisecond)))
}
