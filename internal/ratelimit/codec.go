package ratelimit

import (
	"fmt"
	"strconv"
)

// Field names of a bucket record. The Lua script and the DynamoDB item
// use the same names. token_bucket.lua writes tokens with six decimals
// and last_refill (epoch ms) with three.
const (
	FieldTokens     = "tokens"
	FieldLastRefill = "last_refill"
)

// DecodeState parses store fields. An empty record decodes to
// (zero, false, nil); a record missing one field is an error.
func DecodeState(fields map[string]string) (BucketState, bool, error) {
	if len(fields) == 0 {
		return BucketState{}, false, nil
	}

	tokensRaw, ok := fields[FieldTokens]
	if !ok {
		return BucketState{}, false, fmt.Errorf("bucket record missing %q", FieldTokens)
	}
	lastRaw, ok := fields[FieldLastRefill]
	if !ok {
		return BucketState{}, false, fmt.Errorf("bucket record missing %q", FieldLastRefill)
	}

	tokens, err := strconv.ParseFloat(tokensRaw, 64)
	if err != nil {
		return BucketState{}, false, fmt.Errorf("invalid %s value %q: %w", FieldTokens, tokensRaw, err)
	}
	last, err := strconv.ParseFloat(lastRaw, 64)
	if err != nil {
		return BucketState{}, false, fmt.Errorf("invalid %s value %q: %w", FieldLastRefill, lastRaw, err)
	}

	return BucketState{Tokens: tokens, LastRefill: last}, true, nil
}
