package scheduler

import (
	"sync"
	"time"
)

// circuitState tracks consecutive runner failures for one category.
//
// It implements a consecutive-failure circuit breaker with cooldown:
//   - On success: resets failures and closes the circuit.
//   - On failure: increments failures and, once failures >= trip,
//     opens the circuit for an exponentially increasing cooldown.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

// circuitBreaker is shared by all workers of a Scheduler. A nil breaker
// (disabled) never opens.
type circuitBreaker struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration

	mu sync.Mutex
	m  map[Category]*circuitState
}

func newCircuitBreaker(cfg Config) *circuitBreaker {
	if cfg.CircuitTripFailures <= 0 {
		return nil
	}
	return &circuitBreaker{
		trip:       cfg.CircuitTripFailures,
		baseDelay:  cfg.CircuitBaseDelay,
		maxDelay:   cfg.CircuitMaxDelay,
		resetAfter: cfg.CircuitResetAfter,
		m:          map[Category]*circuitState{},
	}
}

func (b *circuitBreaker) stateLocked(cat Category) *circuitState {
	st := b.m[cat]
	if st == nil {
		st = &circuitState{}
		b.m[cat] = st
	}
	return st
}

// resetStaleLocked forgets failures that happened long ago.
func (b *circuitBreaker) resetStaleLocked(st *circuitState, now time.Time) {
	if !st.lastFailure.IsZero() && b.resetAfter > 0 && now.Sub(st.lastFailure) > b.resetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

// isOpen reports whether attempts for cat should fail fast.
func (b *circuitBreaker) isOpen(now time.Time, cat Category) (bool, time.Time) {
	if b == nil {
		return false, time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stateLocked(cat)
	b.resetStaleLocked(st, now)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

// record updates the breaker with the outcome of one runner invocation.
func (b *circuitBreaker) record(now time.Time, cat Category, err error) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stateLocked(cat)
	b.resetStaleLocked(st, now)

	if err == nil {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
		return
	}

	st.fails++
	st.lastFailure = now
	if st.fails < b.trip {
		return
	}

	d := b.baseDelay
	for i := 0; i < st.fails-b.trip; i++ {
		d *= 2
		if d >= b.maxDelay {
			break
		}
	}
	if d > b.maxDelay {
		d = b.maxDelay
	}
	st.openUntil = now.Add(d)
}

func (b *circuitBreaker) snapshot(now time.Time) (total, open int) {
	if b == nil {
		return 0, 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	total = len(b.m)
	for _, st := range b.m {
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
