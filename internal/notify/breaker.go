package notify

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by a sink whose endpoint keeps failing
var ErrCircuitOpen = errors.New("notification endpoint circuit open")

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	// CircuitClosed - endpoint is healthy, deliveries flow through
	CircuitClosed CircuitState = iota
	// CircuitOpen - endpoint has tripped, deliveries are dropped
	CircuitOpen
	// CircuitHalfOpen - a few deliveries probe whether the endpoint recovered
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds configuration for a circuit breaker
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the circuit opens
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes before closing
	SuccessThreshold int
	// Cooldown is how long the circuit stays open before probing
	Cooldown time.Duration
	// HalfOpenMaxRequests caps probes while half-open
	HalfOpenMaxRequests int
}

// DefaultBreakerConfig returns defaults suited to a webhook endpoint
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Cooldown:            30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// Breaker stops deliveries to an endpoint after repeated failures
type Breaker struct {
	config       *BreakerConfig
	state        CircuitState
	failures     int
	successes    int
	lastFailure  time.Time
	halfOpenReqs int
	mu           sync.Mutex
}

// NewBreaker creates a closed breaker. nil selects the defaults.
func NewBreaker(config *BreakerConfig) *Breaker {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	return &Breaker{config: config, state: CircuitClosed}
}

// Allow reports whether a delivery may be attempted now
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(b.lastFailure) < b.config.Cooldown {
			return false
		}
		b.state = CircuitHalfOpen
		b.halfOpenReqs = 1
		b.successes = 0
		return true
	case CircuitHalfOpen:
		if b.halfOpenReqs < b.config.HalfOpenMaxRequests {
			b.halfOpenReqs++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a delivered notification
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		b.failures = 0
	case CircuitHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.state = CircuitClosed
			b.failures = 0
			b.successes = 0
			b.halfOpenReqs = 0
		} else {
			// let the next probe through
			b.halfOpenReqs--
		}
	}
}

// RecordFailure records a failed delivery
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()

	switch b.state {
	case CircuitClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.state = CircuitOpen
		}
	case CircuitHalfOpen:
		b.state = CircuitOpen
		b.successes = 0
	}
}

// State returns the current state
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
