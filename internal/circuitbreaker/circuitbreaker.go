// Package circuitbreaker fails fast against a provider that has been
// erroring, giving it a cool-down window before the dispatcher tries it
// again. One breaker guards one provider, not one key — a provider outage
// affects every key under it.
//
// States:
//   - Closed: normal operation, requests pass through
//   - Open: provider unhealthy, requests fail immediately
//   - Half-Open: testing recovery, requests are allowed through until
//     enough successes close the circuit or one failure reopens it
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/trainforge/conductor/internal/domain"
)

// CircuitBreaker guards calls to a single provider.
type CircuitBreaker interface {
	// Allow reports whether a request should be allowed through. It
	// returns domain.ErrCircuitBreakerOpen if the circuit is open.
	Allow(ctx context.Context) error

	// RecordSuccess records a successful request. Enough successes in
	// half-open state closes the circuit.
	RecordSuccess(ctx context.Context)

	// RecordFailure records a failed request. Enough failures opens the
	// circuit.
	RecordFailure(ctx context.Context)

	// State returns the current state.
	State(ctx context.Context) State
}

// State is the current state of a circuit breaker.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // failing fast
	StateHalfOpen              // testing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config defines circuit breaker behavior.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // successes in half-open before closing
	Timeout          time.Duration // time an open circuit stays open before probing
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// InMemoryCircuitBreaker is a single-process circuit breaker for one
// provider.
type InMemoryCircuitBreaker struct {
	mu          sync.RWMutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	config      Config
}

// New creates an in-memory circuit breaker.
func New(cfg Config) *InMemoryCircuitBreaker {
	return &InMemoryCircuitBreaker{state: StateClosed, config: cfg}
}

func (cb *InMemoryCircuitBreaker) Allow(ctx context.Context) error {
	cb.mu.RLock()
	state := cb.state
	lastFailure := cb.lastFailure
	cb.mu.RUnlock()

	switch state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(lastFailure) > cb.config.Timeout {
			cb.mu.Lock()
			if cb.state == StateOpen {
				cb.state = StateHalfOpen
				cb.successes = 0
			}
			cb.mu.Unlock()
			return nil
		}
		return domain.ErrCircuitBreakerOpen
	case StateHalfOpen:
		return nil
	}
	return nil
}

func (cb *InMemoryCircuitBreaker) RecordSuccess(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
		}
	}
}

func (cb *InMemoryCircuitBreaker) RecordFailure(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = time.Now()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.successes = 0
	}
}

func (cb *InMemoryCircuitBreaker) State(ctx context.Context) State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Manager owns one circuit breaker per provider, created lazily.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]CircuitBreaker
	config   Config
}

// NewManager creates a manager whose breakers use cfg.
func NewManager(cfg Config) *Manager {
	return &Manager{breakers: make(map[string]CircuitBreaker), config: cfg}
}

// Get returns the circuit breaker for a provider, creating one on first
// use.
func (m *Manager) Get(providerID string) CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[providerID]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.breakers[providerID]; ok {
		return existing
	}
	cb = New(m.config)
	m.breakers[providerID] = cb
	return cb
}

// States returns the current state of every provider breaker created so
// far, keyed by provider ID.
func (m *Manager) States() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ctx := context.Background()
	states := make(map[string]string, len(m.breakers))
	for id, cb := range m.breakers {
		states[id] = cb.State(ctx).String()
	}
	return states
}
