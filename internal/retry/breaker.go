package retry

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// BreakerState is the operational state of a [Breaker].
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls pass through
	BreakerOpen                         // calls fail fast
	BreakerHalfOpen                     // one probe call is allowed
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is wrapped by the error a Breaker returns while open.
var ErrOpen = errors.New("breaker open")

// Breaker fails calls fast after Threshold consecutive failures.  Once
// Cooldown has passed a single probe is let through; its outcome closes
// or re-opens the breaker.
//
// The tunnelled dialer uses it so that while the SSH gateway is down
// new pairs are closed immediately instead of each waiting out the
// connect timeout.
type Breaker struct {
	Threshold int           // consecutive failures before opening, default 5
	Cooldown  time.Duration // open period before a probe, default 30s

	// OnStateChange runs under the breaker's lock.
	OnStateChange func(from, to BreakerState)

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
	now      func() time.Time
}

// Do runs fn unless the breaker is open.
func (b *Breaker) Do(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		since := b.clock().Sub(b.openedAt)
		if since < b.cooldown() {
			return fmt.Errorf("%w after %d failures, retry in %v",
				ErrOpen, b.failures, (b.cooldown() - since).Truncate(time.Second))
		}
		b.transition(BreakerHalfOpen)
		b.probing = true
		return nil
	case BreakerHalfOpen:
		if b.probing {
			return fmt.Errorf("%w: probe in flight", ErrOpen)
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if err == nil {
		b.failures = 0
		b.transition(BreakerClosed)
		return
	}
	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.threshold() {
		b.openedAt = b.clock()
		b.transition(BreakerOpen)
	}
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.OnStateChange != nil {
		b.OnStateChange(from, to)
	}
}

func (b *Breaker) threshold() int {
	if b.Threshold <= 0 {
		return 5
	}
	return b.Threshold
}

func (b *Breaker) cooldown() time.Duration {
	if b.Cooldown <= 0 {
		return 30 * time.Second
	}
	return b.Cooldown
}

func (b *Breaker) clock() time.Time {
	if b.now != nil {
		return b.now()
	}
	return time.Now()
}
