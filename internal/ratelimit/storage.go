package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/maltehedderich/weather-gateway/internal/config"
)

// Store performs an atomic refill-then-debit for one bucket.
type Store interface {
	// CheckAndConsume refills the bucket for (scope, identifier) up to now,
	// then debits cost if enough tokens are present.
	CheckAndConsume(ctx context.Context, scope, identifier string, policy Policy, cost float64, now time.Time) (Decision, error)
}

// Inspector exposes raw bucket state for operators.
type Inspector interface {
	// Peek returns the stored state and false if the bucket does not exist.
	Peek(ctx context.Context, scope, identifier string) (BucketState, bool, error)
	// Reset deletes the bucket so the next request starts from a full one.
	Reset(ctx context.Context, scope, identifier string) error
}

// LocalStore is the in-process store used while the coordination store is unavailable.
type LocalStore interface {
	Store
	Inspector
	Close() error
}

// DistributedStore is a bucket store shared by every gateway instance.
// Connect must leave the store ready to serve CheckAndConsume; it is
// called again after every reconnect.
type DistributedStore interface {
	Store
	Inspector

	Connect(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// FallbackMode decides admission when neither store can answer.
type FallbackMode string

const (
	// FallbackStrict denies the request
	FallbackStrict FallbackMode = config.FallbackStrict
	// FallbackPermissive admits the request
	FallbackPermissive FallbackMode = config.FallbackPermissive
)

// Policy is the immutable bucket configuration of one scope.
type Policy struct {
	// Capacity is the maximum number of tokens (burst capacity)
	Capacity int
	// RefillRate is the number of tokens added per RefillInterval
	RefillRate float64
	// RefillInterval is the period RefillRate is expressed over
	RefillInterval time.Duration
	// FallbackMode applies when both stores fail
	FallbackMode FallbackMode
}

// NewPolicy validates bucket parameters and returns a Policy.
func NewPolicy(capacity int, refillRate float64, refillInterval time.Duration, mode FallbackMode) (Policy, error) {
	if capacity <= 0 {
		return Policy{}, fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidPolicy, capacity)
	}
	if refillRate <= 0 || math.IsNaN(refillRate) || math.IsInf(refillRate, 0) {
		return Policy{}, fmt.Errorf("%w: refill rate must be positive, got %v", ErrInvalidPolicy, refillRate)
	}
	if refillInterval < time.Millisecond {
		return Policy{}, fmt.Errorf("%w: refill interval must be at least 1ms, got %s", ErrInvalidPolicy, refillInterval)
	}
	if mode != FallbackStrict && mode != FallbackPermissive {
		return Policy{}, fmt.Errorf("%w: unknown fallback mode %q", ErrInvalidPolicy, mode)
	}

	return Policy{
		Capacity:       capacity,
		RefillRate:     refillRate,
		RefillInterval: refillInterval,
		FallbackMode:   mode,
	}, nil
}

// intervalMs returns RefillInterval in milliseconds
func (p Policy) intervalMs() float64 {
	return float64(p.RefillInterval) / float64(time.Millisecond)
}

// msPerToken is the time it takes to refill a single token
func (p Policy) msPerToken() float64 {
	return p.intervalMs() / p.RefillRate
}

// FullRefill is the time needed to refill an empty bucket.
func (p Policy) FullRefill() time.Duration {
	return time.Duration(float64(p.Capacity) * p.msPerToken() * float64(time.Millisecond))
}

// TTL is how long an idle bucket is kept: twice the full refill time,
// rounded up to whole seconds.
func (p Policy) TTL() time.Duration {
	seconds := math.Ceil(p.FullRefill().Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return 2 * time.Duration(seconds) * time.Second
}

// PoliciesFromConfig builds the scope table from configuration.
func PoliciesFromConfig(cfg config.RateLimitConfig) (map[string]Policy, error) {
	policies := make(map[string]Policy, len(cfg.Scopes))
	for name, scope := range cfg.Scopes {
		p, err := NewPolicy(
			scope.Capacity,
			scope.RefillRate,
			time.Duration(scope.RefillIntervalMs)*time.Millisecond,
			FallbackMode(scope.FallbackMode),
		)
		if err != nil {
			return nil, fmt.Errorf("scope %s: %w", name, err)
		}
		policies[name] = p
	}
	return policies, nil
}

// Source names the path that produced a decision.
type Source string

const (
	SourceDistributed Source = "distributed"
	SourceLocal       Source = "local"
	SourcePolicy      Source = "policy"
)

// Decision is the outcome of one admission check.
type Decision struct {
	// Allowed indicates if the request is allowed
	Allowed bool
	// Remaining is the number of tokens left after the decision
	Remaining float64
	// ResetAt is when the bucket is next expected to be full
	ResetAt time.Time
	// RetryAfter is the wait before the request could succeed (denied only)
	RetryAfter time.Duration
	// Limit echoes the scope capacity
	Limit int
	// Source names the store that decided
	Source Source
}

// RetryAfterSeconds returns the retry hint in whole seconds, at least 1
// for a denied decision and 0 for an allowed one.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	seconds := int(math.Ceil(d.RetryAfter.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

// BucketKey returns the store key of a bucket.
func BucketKey(scope, identifier string) string {
	return "ratelimit:" + scope + ":" + identifier
}
