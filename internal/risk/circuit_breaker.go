package risk

import (
	"sync"
	"time"
)

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
)

func (s CircuitState) String() string {
	if s == CircuitOpen {
		return "open"
	}
	return "closed"
}

// CircuitConfig sets when automated opens pause. A zero
// MaxConsecutiveFailures never trips.
type CircuitConfig struct {
	MaxConsecutiveFailures int
	CooldownPeriod         time.Duration
}

// CircuitStatus is a point-in-time view of the breaker
type CircuitStatus struct {
	State               CircuitState
	ConsecutiveFailures int
	OpenedAt            time.Time
	Reason              string
}

// CircuitBreaker counts consecutive failed commands and trips after too
// many, so that a broken venue or account does not get hammered by every
// new signal. It resets itself after the cooldown.
type CircuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	config              CircuitConfig
	consecutiveFailures int
	lastTripped         time.Time
	reason              string
	now                 func() time.Time
}

func NewCircuitBreaker(config CircuitConfig) *CircuitBreaker {
	return &CircuitBreaker{
		state:  CircuitClosed,
		config: config,
		now:    time.Now,
	}
}

// RecordResult feeds the outcome of one command. It returns true when this
// failure tripped the breaker.
func (cb *CircuitBreaker) RecordResult(err error) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.consecutiveFailures = 0
		return false
	}
	cb.consecutiveFailures++

	if cb.state == CircuitOpen || cb.config.MaxConsecutiveFailures <= 0 {
		return false
	}
	if cb.consecutiveFailures >= cb.config.MaxConsecutiveFailures {
		cb.trip(err.Error())
		return true
	}
	return false
}

func (cb *CircuitBreaker) trip(reason string) {
	cb.state = CircuitOpen
	cb.lastTripped = cb.now()
	cb.reason = reason
}

// IsTripped reports whether automated opens are paused
func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return false
	}
	if cb.config.CooldownPeriod > 0 && cb.now().Sub(cb.lastTripped) > cb.config.CooldownPeriod {
		cb.resetLocked()
		return false
	}
	return true
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.resetLocked()
}

func (cb *CircuitBreaker) resetLocked() {
	cb.state = CircuitClosed
	cb.consecutiveFailures = 0
	cb.reason = ""
}

func (cb *CircuitBreaker) GetStatus() CircuitStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitStatus{
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		OpenedAt:            cb.lastTripped,
		Reason:              cb.reason,
	}
}
