package llm

import (
	"sync"
	"time"
)

// breakerState is where a provider's breaker currently sits.
type breakerState int

const (
	breakerClosed  breakerState = iota // provider healthy, calls pass
	breakerOpen                        // provider shedding, calls rejected
	breakerProbing                     // cooldown elapsed, one call through
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerProbing:
		return "probing"
	}
	return "unknown"
}

// CircuitBreaker sheds calls to a provider that keeps failing. After
// tripLimit consecutive failures the breaker opens; once cooldown passes it
// lets a single probe call through, closing again on success and re-opening
// on failure.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	tripLimit int
	cooldown  time.Duration
	openedAt  time.Time
	now       func() time.Time // swapped in tests
}

// NewCircuitBreaker builds a closed breaker that trips after tripLimit
// consecutive failures and probes again cooldown later.
func NewCircuitBreaker(tripLimit int, cooldown time.Duration) *CircuitBreaker {
	if tripLimit <= 0 {
		tripLimit = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		tripLimit: tripLimit,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether the next call may go to the provider. While open it
// returns false until the cooldown elapses, then flips to probing and lets
// exactly that caller through.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == breakerOpen {
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			return false
		}
		cb.state = breakerProbing
		return true
	}
	return cb.state == breakerClosed
}

// RecordSuccess clears the failure run and closes the breaker if a probe
// just succeeded.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.state = breakerClosed
}

// RecordFailure extends the failure run. A failed probe re-opens
// immediately; a closed breaker opens once the run reaches the trip limit.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.state == breakerProbing || cb.failures >= cb.tripLimit {
		cb.state = breakerOpen
		cb.openedAt = cb.now()
	}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() breakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
