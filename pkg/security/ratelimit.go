// Package security holds the transport-adjacent safety pieces: rate
// limiting for inbound messages, a circuit breaker for flaky peers,
// and bounded YAML parsing for configuration files.
package security

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hivemesh-dev/hivemesh/protocol"
)

// RateLimiter bounds inbound message throughput. A global limiter caps
// the node as a whole; per-sender limiters stop a single agent from
// crowding out the rest.
type RateLimiter struct {
	globalLimiter  *rate.Limiter
	senderLimiters map[protocol.AgentID]*rate.Limiter
	mu             sync.RWMutex

	requestsPerSecond float64
	burst             int
}

// NewRateLimiter creates a rate limiter. requestsPerSecond and burst
// apply to each sender individually and to the node globally.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		globalLimiter:     rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		senderLimiters:    make(map[protocol.AgentID]*rate.Limiter),
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
	}
}

// Allow reports whether a message from sender may be processed now.
func (rl *RateLimiter) Allow(sender protocol.AgentID) bool {
	if !rl.globalLimiter.Allow() {
		return false
	}
	return rl.senderLimiter(sender).Allow()
}

// Wait blocks until a message from sender may be processed, or the
// context is done.
func (rl *RateLimiter) Wait(ctx context.Context, sender protocol.AgentID) error {
	if err := rl.globalLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("global rate limit: %w", err)
	}
	if err := rl.senderLimiter(sender).Wait(ctx); err != nil {
		return fmt.Errorf("sender rate limit: %w", err)
	}
	return nil
}

func (rl *RateLimiter) senderLimiter(sender protocol.AgentID) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.senderLimiters[sender]
	rl.mu.RUnlock()
	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if limiter, exists := rl.senderLimiters[sender]; exists {
		return limiter
	}
	limiter = rate.NewLimiter(rate.Limit(rl.requestsPerSecond), rl.burst)
	rl.senderLimiters[sender] = limiter
	return limiter
}

// CapabilityRateLimiter bounds how often individual capabilities may
// run. Capabilities without a configured limit are unrestricted.
type CapabilityRateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

// NewCapabilityRateLimiter creates an empty per-capability limiter.
func NewCapabilityRateLimiter() *CapabilityRateLimiter {
	return &CapabilityRateLimiter{
		limiters: make(map[string]*rate.Limiter),
	}
}

// SetLimit configures the rate limit for one capability.
func (crl *CapabilityRateLimiter) SetLimit(capabilityID string, requestsPerSecond float64, burst int) {
	crl.mu.Lock()
	defer crl.mu.Unlock()
	crl.limiters[capabilityID] = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// Allow reports whether the capability may run now.
func (crl *CapabilityRateLimiter) Allow(capabilityID string) bool {
	crl.mu.RLock()
	limiter, exists := crl.limiters[capabilityID]
	crl.mu.RUnlock()
	if !exists {
		return true
	}
	return limiter.Allow()
}

// CircuitBreaker stops a node from hammering a peer that keeps
// failing. After maxFailures consecutive failures the circuit opens;
// after resetTimeout it half-opens and lets one attempt through.
type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration

	mu              sync.RWMutex
	failures        int
	lastFailureTime time.Time
	state           CircuitState
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        CircuitClosed,
	}
}

// Execute runs fn through the circuit breaker.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.lastFailureTime) > cb.resetTimeout {
		cb.state = CircuitHalfOpen
		cb.failures = 0
	}
	if cb.state == CircuitOpen {
		return fmt.Errorf("circuit breaker is open")
	}

	err := fn()
	if err != nil {
		cb.failures++
		cb.lastFailureTime = time.Now()
		if cb.failures >= cb.maxFailures {
			cb.state = CircuitOpen
		}
		return err
	}

	cb.failures = 0
	cb.state = CircuitClosed
	return nil
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset manually closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.state = CircuitClosed
}
