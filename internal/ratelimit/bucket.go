package ratelimit

import (
	"math"
	"time"
)

// refillEpsilon absorbs float error when elapsed time lands exactly on a
// token boundary after fractional advances of LastRefill.
const refillEpsilon = 1e-9

// BucketState is the persisted part of a token bucket.
type BucketState struct {
	// Tokens currently available, 0 <= Tokens <= capacity
	Tokens float64
	// LastRefill is the epoch time in milliseconds up to which refill
	// has been credited. It may carry a fractional part.
	LastRefill float64
}

// outcome is the result of applying one request to a bucket
type outcome struct {
	allowed   bool
	resetAtMs float64
	retryMs   float64
}

// consume applies refill-then-debit to state. A missing bucket starts full.
//
// Refill is credited in whole tokens. LastRefill advances by the time
// equivalent of the tokens added, so the remainder of a partial token
// carries over to the next call. Once the bucket is full LastRefill
// moves to now, since a full bucket cannot bank idle time.
func consume(state *BucketState, found bool, p Policy, nowMs, cost float64) outcome {
	capacity := float64(p.Capacity)
	perToken := p.msPerToken()

	if !found {
		state.Tokens = capacity
		state.LastRefill = nowMs
	}

	elapsed := math.Max(0, nowMs-state.LastRefill)
	added := math.Floor(elapsed/p.intervalMs()*p.RefillRate + refillEpsilon)
	if added > 0 {
		state.Tokens = math.Min(capacity, state.Tokens+added)
		if state.Tokens >= capacity {
			state.LastRefill = nowMs
		} else {
			state.LastRefill += added * perToken
		}
	}

	var out outcome
	if cost <= state.Tokens {
		state.Tokens -= cost
		out.allowed = true
	}

	deficit := math.Ceil(capacity - state.Tokens - refillEpsilon)
	out.resetAtMs = math.Max(nowMs, state.LastRefill+deficit*perToken)

	if !out.allowed {
		if cost > capacity {
			out.retryMs = out.resetAtMs - nowMs
		} else {
			need := math.Ceil(cost - state.Tokens)
			out.retryMs = math.Max(0, state.LastRefill+need*perToken-nowMs)
		}
	}

	return out
}

// decision converts an outcome into the public Decision shape
func (o outcome) decision(p Policy, remaining float64, source Source) Decision {
	d := Decision{
		Allowed:   o.allowed,
		Remaining: math.Max(0, remaining),
		ResetAt:   fromMillis(o.resetAtMs),
		Limit:     p.Capacity,
		Source:    source,
	}
	if !o.allowed {
		d.RetryAfter = time.Duration(math.Ceil(o.retryMs)) * time.Millisecond
	}
	return d
}

// toMillis converts t to fractional epoch milliseconds
func toMillis(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1000
}

// fromMillis converts fractional epoch milliseconds to a time
func fromMillis(ms float64) time.Time {
	return time.UnixMicro(int64(math.Round(ms * 1000)))
}
