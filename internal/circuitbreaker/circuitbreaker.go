// Package circuitbreaker guards calls to a dependency that may be failing.
// The gateway runs one breaker for the weather provider and one for the
// coordination store, both held by a Manager so operators can inspect and
// reset them.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maltehedderich/weather-gateway/internal/logger"
	"github.com/maltehedderich/weather-gateway/internal/metrics"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets every call through
	StateClosed State = iota
	// StateOpen rejects calls until the cooldown has passed
	StateOpen
	// StateHalfOpen admits a few trial calls to test recovery
	StateHalfOpen
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

var (
	// ErrCircuitOpen is returned without calling fn while the breaker rejects calls
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrBreakerNotFound is returned by Manager.Reset for an unknown name
	ErrBreakerNotFound = errors.New("circuit breaker not found")
)

// Config contains circuit breaker configuration
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that closes it again
	SuccessThreshold int
	// Timeout is the cooldown spent open before trial calls are admitted
	Timeout time.Duration
	// MaxRequests bounds the trial calls in flight while half-open
	MaxRequests int
	// OnStateChange, if set, is called after every transition. It runs
	// with the breaker lock released and must not block.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns default circuit breaker configuration
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
		MaxRequests:      3,
	}
}

// Stats is a point-in-time view of one breaker
type Stats struct {
	Name            string
	State           State
	Failures        int
	Successes       int
	LastFailureTime time.Time
	LastStateChange time.Time
}

// transition is a state change waiting to be reported to OnStateChange
type transition struct {
	from, to State
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	name   string
	config *Config
	logger *logger.ComponentLogger

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	trials      int // half-open calls in flight
	lastFailure time.Time
	changedAt   time.Time
	pending     []transition
}

// New creates a closed breaker. A nil config uses DefaultConfig.
func New(name string, config *Config) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &CircuitBreaker{
		name:      name,
		config:    config,
		state:     StateClosed,
		changedAt: time.Now(),
		logger:    logger.Get().WithComponent("circuitbreaker"),
	}
}

// Execute runs fn unless the breaker rejects the call, and counts its
// result. A rejected call returns ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, err := cb.admit()
	if err != nil {
		cb.flush()
		return err
	}

	err = fn()
	cb.record(trial, err)
	cb.flush()
	return err
}

// admit decides whether a call may run; trial is true for a half-open call.
func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if time.Since(cb.changedAt) < cb.config.Timeout {
			return false, ErrCircuitOpen
		}
		cb.moveTo(StateHalfOpen)
	}

	if cb.state == StateHalfOpen {
		if cb.trials >= cb.config.MaxRequests {
			return false, ErrCircuitOpen
		}
		cb.trials++
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) record(trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial && cb.trials > 0 {
		cb.trials--
	}

	if err != nil {
		cb.failures++
		cb.successes = 0
		cb.lastFailure = time.Now()
		if cb.state == StateHalfOpen || cb.failures >= cb.config.FailureThreshold {
			cb.moveTo(StateOpen)
		}
		return
	}

	cb.successes++
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		if cb.successes >= cb.config.SuccessThreshold {
			cb.failures = 0
			cb.moveTo(StateClosed)
		}
	}
}

// moveTo changes state; callers hold mu.
func (cb *CircuitBreaker) moveTo(next State) {
	prev := cb.state
	if prev == next {
		return
	}
	cb.state = next
	cb.changedAt = time.Now()
	cb.trials = 0
	if cb.config.OnStateChange != nil {
		cb.pending = append(cb.pending, transition{from: prev, to: next})
	}

	metrics.SetCircuitBreakerState(cb.name, int(next))
	metrics.RecordCircuitBreakerTransition(cb.name, prev.String(), next.String())
	cb.logger.Info("circuit breaker state changed", logger.Fields{
		"name":      cb.name,
		"old_state": prev.String(),
		"new_state": next.String(),
		"failures":  cb.failures,
	})
}

// flush reports queued transitions outside the lock
func (cb *CircuitBreaker) flush() {
	if cb.config.OnStateChange == nil {
		return
	}

	cb.mu.Lock()
	pending := cb.pending
	cb.pending = nil
	cb.mu.Unlock()

	for _, t := range pending {
		cb.config.OnStateChange(cb.name, t.from, t.to)
	}
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetStats returns current statistics
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:            cb.name,
		State:           cb.state,
		Failures:        cb.failures,
		Successes:       cb.successes,
		LastFailureTime: cb.lastFailure,
		LastStateChange: cb.changedAt,
	}
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.moveTo(StateClosed)
	cb.failures = 0
	cb.successes = 0
	cb.mu.Unlock()
	cb.flush()

	cb.logger.Info("circuit breaker reset", logger.Fields{"name": cb.name})
}

// Manager holds the gateway's named breakers
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewManager creates an empty manager
func NewManager() *Manager {
	return &Manager{breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker called name, creating it with config on first
// use. Later calls ignore config.
func (m *Manager) Get(name string, config *Config) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb
	}
	cb = New(name, config)
	m.breakers[name] = cb
	return cb
}

// GetStats returns the statistics of every breaker, ordered by name
func (m *Manager) GetStats() []Stats {
	m.mu.RLock()
	stats := make([]Stats, 0, len(m.breakers))
	for _, cb := range m.breakers {
		stats = append(stats, cb.GetStats())
	}
	m.mu.RUnlock()

	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Reset closes the named breaker
func (m *Manager) Reset(name string) error {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrBreakerNotFound, name)
	}
	cb.Reset()
	return nil
}
