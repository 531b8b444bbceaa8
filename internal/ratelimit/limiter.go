package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maltehedderich/weather-gateway/internal/circuitbreaker"
	"github.com/maltehedderich/weather-gateway/internal/events"
	"github.com/maltehedderich/weather-gateway/internal/logger"
	"github.com/maltehedderich/weather-gateway/internal/metrics"
)

// strictRetryAfter is the retry hint of a strict policy decision
const strictRetryAfter = 60 * time.Second

// Coordinator reports whether the distributed store can be used and
// accepts failure reports that need a reconnect. *Supervisor implements it.
type Coordinator interface {
	Ready() bool
	Store() DistributedStore
	Generation() uint64
	ReportFailure(err error)
}

// CoordinationBreaker names the breaker guarding distributed store calls
const CoordinationBreaker = "coordination"

// Config contains the facade settings
type Config struct {
	// Scopes maps scope names to bucket policies
	Scopes map[string]Policy
	// Endpoints maps endpoint names onto scopes. An endpoint that is
	// itself a scope name needs no entry.
	Endpoints map[string]string
	// OperationTimeout bounds each distributed store call
	OperationTimeout time.Duration
	// BreakerThreshold is the number of consecutive store failures that open the breaker
	BreakerThreshold int
	// BreakerCooldown is how long the breaker stays open
	BreakerCooldown time.Duration
	// Breakers, if set, holds the coordination breaker so it is listed and
	// resettable alongside the gateway's other breakers.
	Breakers *circuitbreaker.Manager
}

// scopeTable is replaced wholesale on policy updates
type scopeTable struct {
	scopes    map[string]Policy
	endpoints map[string]string
}

// Limiter is the rate limiting facade. It sends checks to the
// distributed store while the coordinator is Ready and to the local
// store otherwise, and resolves double failures by the scope's
// fallback mode.
type Limiter struct {
	table atomic.Pointer[scopeTable]

	coordinator      Coordinator
	local            LocalStore
	breaker          *circuitbreaker.CircuitBreaker
	bus              *events.Bus
	operationTimeout time.Duration

	inFallback     atomic.Bool
	lastGeneration atomic.Uint64

	now    func() time.Time
	tracer trace.Tracer
	logger *logger.ComponentLogger
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// NewLimiter creates the facade.
func NewLimiter(cfg Config, coordinator Coordinator, local LocalStore, bus *events.Bus, opts ...Option) (*Limiter, error) {
	table, err := newScopeTable(cfg.Scopes, cfg.Endpoints)
	if err != nil {
		return nil, err
	}

	l := &Limiter{
		coordinator:      coordinator,
		local:            local,
		bus:              bus,
		operationTimeout: cfg.OperationTimeout,
		now:              time.Now,
		tracer:           otel.Tracer("github.com/maltehedderich/weather-gateway/internal/ratelimit"),
		logger:           logger.Get().WithComponent("ratelimit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.operationTimeout <= 0 {
		l.operationTimeout = 250 * time.Millisecond
	}

	threshold := cfg.BreakerThreshold
	if threshold <= 0 {
		threshold = 5
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 10 * time.Second
	}
	breakers := cfg.Breakers
	if breakers == nil {
		breakers = circuitbreaker.NewManager()
	}
	l.breaker = breakers.Get(CoordinationBreaker, &circuitbreaker.Config{
		FailureThreshold: threshold,
		SuccessThreshold: 1,
		Timeout:          cooldown,
		MaxRequests:      1,
		OnStateChange:    l.onBreakerStateChange,
	})

	l.table.Store(table)
	return l, nil
}

func newScopeTable(scopes map[string]Policy, endpoints map[string]string) (*scopeTable, error) {
	if len(scopes) == 0 {
		return nil, fmt.Errorf("%w: no scopes configured", ErrInvalidPolicy)
	}

	t := &scopeTable{
		scopes:    make(map[string]Policy, len(scopes)),
		endpoints: make(map[string]string, len(endpoints)),
	}
	for name, p := range scopes {
		if _, err := NewPolicy(p.Capacity, p.RefillRate, p.RefillInterval, p.FallbackMode); err != nil {
			return nil, fmt.Errorf("scope %s: %w", name, err)
		}
		t.scopes[name] = p
	}
	for endpoint, scope := range endpoints {
		if _, ok := t.scopes[scope]; !ok {
			return nil, fmt.Errorf("endpoint %s: %w: %s", endpoint, ErrUnknownScope, scope)
		}
		t.endpoints[endpoint] = scope
	}
	return t, nil
}

// UpdatePolicies replaces the scope table. In-flight checks finish with
// the table they started with.
func (l *Limiter) UpdatePolicies(scopes map[string]Policy, endpoints map[string]string) error {
	table, err := newScopeTable(scopes, endpoints)
	if err != nil {
		return err
	}
	l.table.Store(table)
	l.logger.Info("rate limit policies updated", logger.Fields{
		"scopes":    len(table.scopes),
		"endpoints": len(table.endpoints),
	})
	return nil
}

// Policies returns a copy of the scope policies
func (l *Limiter) Policies() map[string]Policy {
	table := l.table.Load()
	out := make(map[string]Policy, len(table.scopes))
	for name, p := range table.scopes {
		out[name] = p
	}
	return out
}

// Resolve maps an endpoint to its scope and policy.
func (l *Limiter) Resolve(endpoint string) (string, Policy, error) {
	table := l.table.Load()
	scope, ok := table.endpoints[endpoint]
	if !ok {
		scope = endpoint
	}
	p, ok := table.scopes[scope]
	if !ok {
		return "", Policy{}, fmt.Errorf("%w: %s", ErrUnknownScope, endpoint)
	}
	return scope, p, nil
}

// InFallback reports whether the last check was served without the distributed store
func (l *Limiter) InFallback() bool {
	return l.inFallback.Load()
}

// Allow checks a request of cost 1.
func (l *Limiter) Allow(ctx context.Context, identifier, endpoint string) (Decision, error) {
	return l.Check(ctx, identifier, endpoint, 1)
}

// Check decides whether identifier may spend cost tokens on endpoint.
// It returns an error only for an unknown endpoint or an invalid cost;
// store failures are absorbed by the fallback path.
func (l *Limiter) Check(ctx context.Context, identifier, endpoint string, cost float64) (Decision, error) {
	if cost <= 0 || math.IsNaN(cost) || math.IsInf(cost, 0) {
		return Decision{}, fmt.Errorf("%w: %v", ErrInvalidCost, cost)
	}
	scope, policy, err := l.Resolve(endpoint)
	if err != nil {
		return Decision{}, err
	}

	ctx, span := l.tracer.Start(ctx, "ratelimit.check", trace.WithAttributes(
		attribute.String("ratelimit.scope", scope),
		attribute.Float64("ratelimit.cost", cost),
	))
	defer span.End()

	start := time.Now()
	now := l.now()

	// Store calls are bounded by the operation timeout alone. A caller
	// that goes away must not register as a store failure.
	storeCtx := context.WithoutCancel(ctx)

	decision, err := l.checkDistributed(storeCtx, scope, identifier, policy, cost, now)
	if err == nil {
		l.exitFallback()
	} else {
		l.enterFallback(err)
		localCtx, cancel := context.WithTimeout(storeCtx, l.operationTimeout)
		decision, err = l.local.CheckAndConsume(localCtx, scope, identifier, policy, cost, now)
		cancel()
		if err != nil {
			metrics.RecordRateLimitStoreError("local")
			l.logger.Error("local fallback store failed", logger.Fields{
				"error": err.Error(),
				"scope": scope,
			})
			decision = policyDecision(policy, cost, now)
		}
	}

	metrics.RecordRateLimitDecision(scope, string(decision.Source), decision.Allowed, cost, time.Since(start))
	span.SetAttributes(
		attribute.String("ratelimit.source", string(decision.Source)),
		attribute.Bool("ratelimit.allowed", decision.Allowed),
		attribute.Float64("ratelimit.remaining", decision.Remaining),
	)
	l.bus.Publish(events.Event{
		Type:       events.Decision,
		Scope:      scope,
		Identifier: identifier,
		Cost:       cost,
		Allowed:    decision.Allowed,
		Remaining:  decision.Remaining,
		Source:     string(decision.Source),
	})

	return decision, nil
}

// checkDistributed runs one check against the coordination store through
// the breaker, with a bounded timeout
func (l *Limiter) checkDistributed(ctx context.Context, scope, identifier string, policy Policy, cost float64, now time.Time) (Decision, error) {
	if l.coordinator == nil || !l.coordinator.Ready() {
		return Decision{}, ErrStoreNotReady
	}

	// a fresh connection gets a closed breaker
	if gen := l.coordinator.Generation(); l.lastGeneration.Swap(gen) != gen {
		l.breaker.Reset()
	}

	store := l.coordinator.Store()
	var decision Decision
	err := l.breaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, l.operationTimeout)
		defer cancel()

		var err error
		decision, err = store.CheckAndConsume(callCtx, scope, identifier, policy, cost, now)
		return err
	})
	if err == nil {
		return decision, nil
	}

	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		metrics.RecordRateLimitStoreError("circuit_open")
	case errors.Is(err, ErrScriptNotLoaded):
		metrics.RecordRateLimitStoreError("script_not_loaded")
		l.coordinator.ReportFailure(err)
	case errors.Is(err, context.DeadlineExceeded):
		metrics.RecordRateLimitStoreError("timeout")
	default:
		metrics.RecordRateLimitStoreError("store_error")
	}
	return Decision{}, err
}

func (l *Limiter) onBreakerStateChange(name string, from, to circuitbreaker.State) {
	if to == circuitbreaker.StateOpen && l.coordinator != nil {
		l.coordinator.ReportFailure(fmt.Errorf("%s breaker opened", name))
	}
}

func (l *Limiter) enterFallback(reason error) {
	if !l.inFallback.CompareAndSwap(false, true) {
		return
	}
	l.logger.Warn("falling back to local rate limit store", logger.Fields{"reason": reason.Error()})
	l.bus.Publish(events.Event{Type: events.FallbackEntered, Reason: reason.Error()})
}

func (l *Limiter) exitFallback() {
	if !l.inFallback.CompareAndSwap(true, false) {
		return
	}
	l.logger.Info("distributed rate limit store back in use")
	l.bus.Publish(events.Event{Type: events.FallbackExited})
}

// policyDecision is the answer when no store could decide
func policyDecision(p Policy, cost float64, now time.Time) Decision {
	if p.FallbackMode == FallbackPermissive {
		return Decision{
			Allowed:   true,
			Remaining: math.Max(0, float64(p.Capacity)-cost),
			ResetAt:   now,
			Limit:     p.Capacity,
			Source:    SourcePolicy,
		}
	}
	return Decision{
		Allowed:    false,
		Remaining:  0,
		ResetAt:    now.Add(strictRetryAfter),
		RetryAfter: strictRetryAfter,
		Limit:      p.Capacity,
		Source:     SourcePolicy,
	}
}

// Peek returns a bucket's stored state from the store currently serving checks.
func (l *Limiter) Peek(ctx context.Context, scope, identifier string) (BucketState, bool, Source, error) {
	if l.coordinator != nil && l.coordinator.Ready() {
		state, found, err := l.coordinator.Store().Peek(ctx, scope, identifier)
		if err == nil {
			return state, found, SourceDistributed, nil
		}
		l.logger.Warn("distributed peek failed, reading local store", logger.Fields{"error": err.Error()})
	}
	state, found, err := l.local.Peek(ctx, scope, identifier)
	return state, found, SourceLocal, err
}

// Reset deletes a bucket from the local store and, when Ready, the distributed one.
func (l *Limiter) Reset(ctx context.Context, scope, identifier string) error {
	if err := l.local.Reset(ctx, scope, identifier); err != nil {
		return err
	}
	if l.coordinator != nil && l.coordinator.Ready() {
		return l.coordinator.Store().Reset(ctx, scope, identifier)
	}
	return nil
}

// Close releases the local store
func (l *Limiter) Close() error {
	return l.local.Close()
}
