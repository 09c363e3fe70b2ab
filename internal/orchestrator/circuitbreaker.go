package orchestrator

import (
	"sync"
	"time"
)

// BreakerState is one of the three classic circuit-breaker states.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker halts further spawn or task-execution attempts after a
// run of consecutive failures, generalizing the counter-trip idiom of
// internal/runner/session_circuit_breaker.go's checkNoOpBreaker /
// checkStalledBreaker into the three-state breaker spec.md §5 names
// ("default: open after 3 consecutive spawn or task failures within the
// same feature, cooldown 60s").
type CircuitBreaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	threshold   int
	cooldown    time.Duration
	openedAt    time.Time
	halfOpenHit bool
}

// NewCircuitBreaker builds a breaker with the given trip threshold and
// cooldown. threshold <= 0 defaults to 3, cooldown <= 0 defaults to 60s.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &CircuitBreaker{state: BreakerClosed, threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a new spawn/execution attempt may proceed,
// transitioning open → half-open once the cooldown has elapsed.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = BreakerHalfOpen
			b.halfOpenHit = true // this call is the single half-open trial
			return true
		}
		return false
	case BreakerHalfOpen:
		if b.halfOpenHit {
			return false
		}
		b.halfOpenHit = true
		return true
	default:
		return true
	}
}

// RecordSuccess resets the breaker to closed.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = BreakerClosed
}

// RecordFailure accounts a failure. In closed state, threshold consecutive
// failures trip the breaker open. In half-open state, any failure reopens
// it immediately. Returns true if this call tripped the breaker open.
func (b *CircuitBreaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = time.Now()
		return true
	default:
		b.failures++
		if b.failures >= b.threshold {
			b.state = BreakerOpen
			b.openedAt = time.Now()
			return true
		}
		return false
	}
}

// State returns the breaker's current state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
