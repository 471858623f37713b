// Package resilience provides reliability patterns for external service calls.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Breaker implements a circuit breaker for protecting calls to one provider.
// It opens when the failure count within a sliding time window reaches a
// threshold; after a cooldown it admits exactly one trial call, whose outcome
// decides whether the circuit closes again or re-opens.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  []time.Time
	threshold int
	window    time.Duration
	cooldown  time.Duration
	openedAt  time.Time
	trial     bool // a half-open trial call is in flight

	onTransition func(from, to State)
	now          func() time.Time // for testing
}

// NewBreaker creates a circuit breaker that opens once threshold failures
// occur within window, and stays open for cooldown before admitting one
// half-open trial call.
func NewBreaker(threshold int, window, cooldown time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// OnTransition registers a hook invoked (outside the lock) after every state
// transition. Used for observability; may be nil.
func (b *Breaker) OnTransition(fn func(from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a call may proceed. While open it fails fast with
// ErrCircuitOpen until the cooldown elapses; then exactly one trial call is
// admitted, and concurrent calls during the trial are rejected.
func (b *Breaker) Allow() error {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil

	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		notify := b.transition(StateHalfOpen)
		b.trial = true
		b.mu.Unlock()
		notify()
		return nil

	case StateHalfOpen:
		if b.trial {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.trial = true
		b.mu.Unlock()
		return nil
	}

	b.mu.Unlock()
	return ErrCircuitOpen
}

// ReportSuccess records a successful call. A half-open trial success resets
// the failure window and closes the circuit.
func (b *Breaker) ReportSuccess() {
	b.mu.Lock()
	notify := func() {}
	if b.state == StateHalfOpen {
		b.trial = false
		b.failures = nil
		notify = b.transition(StateClosed)
	}
	b.mu.Unlock()
	notify()
}

// ReportFailure records a failed call. A half-open trial failure re-opens
// the circuit and restarts the cooldown; in the closed state the failure
// enters the sliding window and may trip the breaker.
func (b *Breaker) ReportFailure() {
	b.mu.Lock()
	notify := func() {}

	switch b.state {
	case StateHalfOpen:
		b.trial = false
		b.openedAt = b.now()
		notify = b.transition(StateOpen)

	case StateClosed:
		now := b.now()
		b.failures = append(b.failures, now)
		b.prune(now)
		if len(b.failures) >= b.threshold {
			b.openedAt = now
			notify = b.transition(StateOpen)
		}
	}

	b.mu.Unlock()
	notify()
}

// State returns the current breaker state, accounting for an elapsed
// cooldown (an open breaker past its cooldown reports half-open).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// prune drops failures older than the window. Must be called with b.mu held.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

// transition changes state and returns the hook invocation to run after the
// lock is released. Must be called with b.mu held.
func (b *Breaker) transition(to State) func() {
	from := b.state
	b.state = to
	fn := b.onTransition
	if fn == nil || from == to {
		return func() {}
	}
	return func() { fn(from, to) }
}
