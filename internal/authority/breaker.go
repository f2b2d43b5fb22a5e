package authority

import (
	"sync"
	"time"

	"github.com/tair/rxsync/pkg/logger"
)

// CircuitState represents the state of a circuit breaker
type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half-open"
)

// breaker stops token requests after repeated failures so callers back off
// instead of hammering the token endpoint.
type breaker struct {
	name        string
	maxFailures int
	timeout     time.Duration
	now         func() time.Time

	mu              sync.Mutex
	state           CircuitState
	failures        int
	lastStateChange time.Time
}

func newBreaker(name string, maxFailures int, timeout time.Duration, now func() time.Time) *breaker {
	return &breaker{
		name:            name,
		maxFailures:     maxFailures,
		timeout:         timeout,
		now:             now,
		state:           StateClosed,
		lastStateChange: now(),
	}
}

// allow returns how long the caller must wait, or zero when a call may go
// through. An expired open circuit lets one trial call through half-open.
func (b *breaker) allow() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		elapsed := b.now().Sub(b.lastStateChange)
		if elapsed < b.timeout {
			return b.timeout - elapsed
		}
		b.state = StateHalfOpen
		b.lastStateChange = b.now()
		logger.Logger.Info().
			Str("circuit", b.name).
			Msg("Circuit breaker transitioning to half-open")
		return 0
	case StateHalfOpen:
		// a trial is already in flight
		return b.timeout
	}
	return 0
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		logger.Logger.Info().
			Str("circuit", b.name).
			Msg("Circuit breaker closed after successful recovery")
	}
	b.state = StateClosed
	b.failures = 0
	b.lastStateChange = b.now()
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.maxFailures {
		b.state = StateOpen
		b.lastStateChange = b.now()
		logger.Logger.Error().
			Str("circuit", b.name).
			Int("failures", b.failures).
			Int("threshold", b.maxFailures).
			Msg("Circuit breaker opened")
	}
}

func (b *breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
