package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/maltehedderich/weather-gateway/internal/events"
	"github.com/maltehedderich/weather-gateway/internal/logger"
	"github.com/maltehedderich/weather-gateway/internal/metrics"
)

// ConnectionState is the lifecycle state of the coordination store connection
type ConnectionState int32

const (
	// StateDisconnected is the initial state and the state after any loss
	StateDisconnected ConnectionState = iota
	// StateConnecting means connection attempts are in progress
	StateConnecting
	// StateReady means the store is connected and its script registered
	StateReady
)

// String returns the string representation of the state
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

var (
	errReconfigured      = errors.New("store reconfigured")
	errSupervisorStopped = errors.New("supervisor stopped")
)

// SupervisorConfig contains connection supervision settings
type SupervisorConfig struct {
	// ProbeInterval is the period of health probes while Ready
	ProbeInterval time.Duration
	// ProbeTimeout bounds a single probe
	ProbeTimeout time.Duration
	// ConnectTimeout bounds a single connection attempt
	ConnectTimeout time.Duration
	// BackoffInitial is the first reconnect delay
	BackoffInitial time.Duration
	// BackoffMax caps the reconnect delay
	BackoffMax time.Duration
}

// DefaultSupervisorConfig returns default supervision settings
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		ProbeInterval:  5 * time.Second,
		ProbeTimeout:   time.Second,
		ConnectTimeout: 2 * time.Second,
		BackoffInitial: 200 * time.Millisecond,
		BackoffMax:     30 * time.Second,
	}
}

// Supervisor owns the connection to the coordination store. It connects
// with exponential backoff, probes the store while Ready, and drops back
// to Disconnected when a probe fails or the limiter reports a failure.
// Connection errors are never fatal; the supervisor retries forever.
type Supervisor struct {
	cfg    SupervisorConfig
	bus    *events.Bus
	logger *logger.ComponentLogger

	mu          sync.Mutex
	store       DistributedStore
	cycleCancel context.CancelCauseFunc
	stop        context.CancelCauseFunc
	done        chan struct{}

	state      atomic.Int32
	generation atomic.Uint64
	failures   chan error
}

// NewSupervisor creates a supervisor for store. Call Start to connect.
func NewSupervisor(store DistributedStore, bus *events.Bus, cfg SupervisorConfig) *Supervisor {
	defaults := DefaultSupervisorConfig()
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaults.ProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaults.ProbeTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = defaults.BackoffInitial
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}

	return &Supervisor{
		cfg:      cfg,
		bus:      bus,
		logger:   logger.Get().WithComponent("ratelimit.supervisor"),
		store:    store,
		failures: make(chan error, 1),
	}
}

// Start launches the supervision loop. It returns immediately.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}

	ctx, s.stop = context.WithCancelCause(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop ends supervision and closes the current store.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	stop, done, store := s.stop, s.done, s.store
	s.mu.Unlock()

	if stop != nil {
		stop(errSupervisorStopped)
		<-done
	}
	return store.Close()
}

// State returns the current connection state
func (s *Supervisor) State() ConnectionState {
	return ConnectionState(s.state.Load())
}

// Ready reports whether the distributed store may be used
func (s *Supervisor) Ready() bool {
	return s.State() == StateReady
}

// Store returns the current distributed store
func (s *Supervisor) Store() DistributedStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store
}

// Generation counts how many times Ready has been entered
func (s *Supervisor) Generation() uint64 {
	return s.generation.Load()
}

// ReportFailure tells the supervisor the store failed in a way that needs
// a reconnect. It is ignored unless the supervisor is Ready.
func (s *Supervisor) ReportFailure(err error) {
	if !s.Ready() {
		return
	}
	select {
	case s.failures <- err:
	default:
	}
}

// Reconfigure swaps in a new store (for example with new credentials),
// closes the old one and restarts the connection cycle.
func (s *Supervisor) Reconfigure(store DistributedStore) {
	s.mu.Lock()
	old := s.store
	s.store = store
	cancel := s.cycleCancel
	s.mu.Unlock()

	s.logger.Info("coordination store reconfigured")
	if cancel != nil {
		cancel(errReconfigured)
	}
	if old != store {
		if err := old.Close(); err != nil {
			s.logger.Warn("failed to close previous store", logger.Fields{"error": err.Error()})
		}
	}
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	defer s.setState(StateDisconnected)

	for ctx.Err() == nil {
		s.cycle(ctx)
	}
}

// cycle runs one connect-then-monitor pass against the current store
func (s *Supervisor) cycle(ctx context.Context) {
	s.mu.Lock()
	cycleCtx, cancel := context.WithCancelCause(ctx)
	s.cycleCancel = cancel
	store := s.store
	s.mu.Unlock()
	defer cancel(nil)

	s.setState(StateConnecting)
	if err := s.connect(cycleCtx, store); err != nil {
		return
	}

	s.drainFailures()
	s.generation.Add(1)
	s.setState(StateReady)
	s.bus.Publish(events.Event{Type: events.ConnectionEstablished})

	reason := s.monitor(cycleCtx, store)

	s.setState(StateDisconnected)
	s.bus.Publish(events.Event{Type: events.ConnectionLost, Reason: reason})
}

// connect retries store.Connect with exponential backoff until it
// succeeds or ctx is cancelled
func (s *Supervisor) connect(ctx context.Context, store DistributedStore) error {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(s.cfg.BackoffInitial),
		backoff.WithMaxInterval(s.cfg.BackoffMax),
		backoff.WithMaxElapsedTime(0),
	)

	attempt := 0
	operation := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
		return store.Connect(attemptCtx)
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("coordination store connection attempt failed", logger.Fields{
			"attempt":  attempt,
			"error":    err.Error(),
			"retry_in": wait.String(),
		})
	}

	return backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
}

// monitor blocks while the store is healthy and returns why it stopped being so
func (s *Supervisor) monitor(ctx context.Context, store DistributedStore) string {
	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx).Error()
		case err := <-s.failures:
			return "reported failure: " + err.Error()
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
			err := store.Ping(probeCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				return "health probe failed: " + err.Error()
			}
		}
	}
}

func (s *Supervisor) drainFailures() {
	for {
		select {
		case <-s.failures:
		default:
			return
		}
	}
}

func (s *Supervisor) setState(state ConnectionState) {
	old := ConnectionState(s.state.Swap(int32(state)))
	if old == state {
		return
	}

	metrics.SetCoordinationState(int(state))
	s.logger.Info("coordination state changed", logger.Fields{
		"old_state": old.String(),
		"new_state": state.String(),
	})
}
