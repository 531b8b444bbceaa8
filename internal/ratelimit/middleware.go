package ratelimit

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/maltehedderich/weather-gateway/internal/logger"
	"github.com/maltehedderich/weather-gateway/internal/metrics"
)

// EndpointFunc names the endpoint a request is charged against
type EndpointFunc func(r *http.Request) string

// LimitedHandler writes the response for a denied request. Rate limit
// headers are already set when it runs.
type LimitedHandler func(w http.ResponseWriter, r *http.Request, d Decision)

// HTTPLimiter adapts a Limiter to HTTP requests.
type HTTPLimiter struct {
	limiter   *Limiter
	identify  func(r *http.Request) string
	cost      CostFunc
	endpoint  EndpointFunc
	onLimited LimitedHandler
	logger    *logger.ComponentLogger
}

// MiddlewareOption configures an HTTPLimiter
type MiddlewareOption func(*HTTPLimiter)

// WithIdentifier replaces the caller identification
func WithIdentifier(fn func(r *http.Request) string) MiddlewareOption {
	return func(h *HTTPLimiter) {
		h.identify = fn
	}
}

// WithCost replaces the constant cost of 1
func WithCost(fn CostFunc) MiddlewareOption {
	return func(h *HTTPLimiter) {
		h.cost = fn
	}
}

// WithEndpoint replaces the endpoint naming. The default charges every
// request against the request path.
func WithEndpoint(fn EndpointFunc) MiddlewareOption {
	return func(h *HTTPLimiter) {
		h.endpoint = fn
	}
}

// WithScope charges every request against one fixed scope.
func WithScope(scope string) MiddlewareOption {
	return WithEndpoint(func(*http.Request) string { return scope })
}

// WithOnLimited replaces the default 429 JSON response
func WithOnLimited(fn LimitedHandler) MiddlewareOption {
	return func(h *HTTPLimiter) {
		h.onLimited = fn
	}
}

// NewHTTPLimiter creates an HTTP adapter for limiter.
func NewHTTPLimiter(limiter *Limiter, opts ...MiddlewareOption) *HTTPLimiter {
	h := &HTTPLimiter{
		limiter:   limiter,
		identify:  NewIdentityResolver(DefaultAPIKeyHeader, nil).Identify,
		cost:      ConstantCost(1),
		endpoint:  func(r *http.Request) string { return r.URL.Path },
		onLimited: WriteRejection,
		logger:    logger.Get().WithComponent("ratelimit.middleware"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Evaluate runs the rate limit check for r. The boolean is false when no
// decision could be made; the request should then be let through.
func (h *HTTPLimiter) Evaluate(r *http.Request) (Decision, bool) {
	endpoint := h.endpoint(r)
	log := h.logger.WithCorrelationID(logger.GetCorrelationID(r.Context()))

	_, policy, err := h.limiter.Resolve(endpoint)
	if err != nil {
		metrics.RecordRateLimitStoreError("unknown_scope")
		log.Error("rate limit check failed", logger.Fields{
			"error":    err.Error(),
			"endpoint": endpoint,
			"path":     r.URL.Path,
		})
		return Decision{}, false
	}

	identifier := h.identify(r)
	cost := clampCost(h.cost(r), policy.Capacity)

	decision, err := h.limiter.Check(r.Context(), identifier, endpoint, cost)
	if err != nil {
		metrics.RecordRateLimitStoreError("check_failed")
		log.Error("rate limit check failed", logger.Fields{
			"error":    err.Error(),
			"endpoint": endpoint,
			"path":     r.URL.Path,
		})
		return Decision{}, false
	}

	if !decision.Allowed {
		log.Warn("rate limit exceeded", logger.Fields{
			"endpoint":    endpoint,
			"identifier":  identifier,
			"cost":        cost,
			"limit":       decision.Limit,
			"retry_after": decision.RetryAfterSeconds(),
			"source":      string(decision.Source),
		})
	}
	return decision, true
}

// Reject writes the configured denial response
func (h *HTTPLimiter) Reject(w http.ResponseWriter, r *http.Request, d Decision) {
	h.onLimited(w, r, d)
}

// Handler wraps next with rate limiting.
func (h *HTTPLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision, ok := h.Evaluate(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		WriteHeaders(w.Header(), decision)
		if !decision.Allowed {
			h.Reject(w, r, decision)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Middleware creates a rate limiting middleware.
// Returns 429 Too Many Requests if the caller's bucket cannot pay for the request.
func Middleware(limiter *Limiter, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	return NewHTTPLimiter(limiter, opts...).Handler
}

// WriteHeaders sets the X-RateLimit-* headers and, for a denied decision, Retry-After.
func WriteHeaders(header http.Header, d Decision) {
	header.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	header.Set("X-RateLimit-Remaining", strconv.FormatInt(int64(math.Floor(math.Max(0, d.Remaining))), 10))
	header.Set("X-RateLimit-Reset", strconv.FormatInt(resetEpochSeconds(d), 10))

	if !d.Allowed {
		header.Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
	}
}

func resetEpochSeconds(d Decision) int64 {
	ms := d.ResetAt.UnixMilli()
	return (ms + 999) / 1000
}

// rejection is the 429 response body
type rejection struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"`
}

// WriteRejection writes a 429 Too Many Requests JSON response.
func WriteRejection(w http.ResponseWriter, r *http.Request, d Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	body := rejection{
		Error:      "rate_limit_exceeded",
		Message:    fmt.Sprintf("Rate limit exceeded, retry in %d seconds", d.RetryAfterSeconds()),
		RetryAfter: d.RetryAfterSeconds(),
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// If JSON encoding fails, write plain text
		_, _ = fmt.Fprintf(w, "Rate limit exceeded\n")
	}
}
