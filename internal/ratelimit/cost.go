package ratelimit

import (
	"math"
	"net/http"
	"strconv"
)

// CostFunc returns the number of tokens a request spends
type CostFunc func(r *http.Request) float64

// ConstantCost charges every request the same amount.
func ConstantCost(cost float64) CostFunc {
	return func(*http.Request) float64 {
		return cost
	}
}

// QueryCost charges base × max(1, int(query[param])). A missing or
// malformed parameter counts as 1, so a 7-day forecast costs 7 × base
// and a plain one costs base.
func QueryCost(base float64, param string) CostFunc {
	if base <= 0 {
		base = 1
	}
	if param == "" {
		return ConstantCost(base)
	}
	return func(r *http.Request) float64 {
		n, err := strconv.Atoi(r.URL.Query().Get(param))
		if err != nil || n < 1 {
			n = 1
		}
		return base * float64(n)
	}
}

// clampCost bounds a computed cost to [1, capacity]
func clampCost(cost float64, capacity int) float64 {
	if math.IsNaN(cost) || cost < 1 {
		return 1
	}
	return math.Min(cost, float64(capacity))
}
