package ratelimit

import "errors"

var (
	// ErrUnknownScope is returned when an endpoint maps to no configured scope
	ErrUnknownScope = errors.New("ratelimit: unknown scope")
	// ErrInvalidCost is returned for a non-positive or non-finite cost
	ErrInvalidCost = errors.New("ratelimit: cost must be a positive number")
	// ErrInvalidPolicy is returned by NewPolicy for unusable bucket parameters
	ErrInvalidPolicy = errors.New("ratelimit: invalid policy")
	// ErrScriptNotLoaded means the coordination store has no copy of the
	// bucket script, typically because it restarted.
	ErrScriptNotLoaded = errors.New("ratelimit: bucket script not loaded")
	// ErrStoreNotReady is returned when the coordination store is not connected
	ErrStoreNotReady = errors.New("ratelimit: coordination store not ready")
	// ErrContention is returned when a conditional write kept losing races
	ErrContention = errors.New("ratelimit: too much write contention on bucket")
)
