package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "weather_gateway"

var (
	// HTTP Request Metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route, and status code",
		},
		[]string{"method", "route", "status_code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route", "status_code"},
	)

	httpActiveRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "Number of currently active HTTP requests",
		},
	)

	// Caller identity metrics
	identityResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "resolutions_total",
			Help:      "Total number of caller identities resolved by source",
		},
		[]string{"source"}, // api_key, jwt, ip
	)

	tokenValidationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "token_validation_failures_total",
			Help:      "Total number of bearer tokens that failed validation",
		},
		[]string{"error_type"},
	)

	// Rate Limiting Metrics
	rateLimitDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Total number of admission decisions by scope, source, and result",
		},
		[]string{"scope", "source", "result"},
	)

	rateLimitCostTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "cost_total",
			Help:      "Total tokens requested by scope",
		},
		[]string{"scope"},
	)

	rateLimitCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "check_duration_seconds",
			Help:      "Duration of rate limit checks in seconds",
			Buckets:   []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		},
		[]string{"source"},
	)

	rateLimitFallbackActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "fallback_active",
			Help:      "Whether admission is currently served by the local fallback store (1) or not (0)",
		},
	)

	rateLimitStoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "store_errors_total",
			Help:      "Total number of bucket store errors by type",
		},
		[]string{"error_type"},
	)

	coordinationState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordination",
			Name:      "state",
			Help:      "Coordination store connection state (0=disconnected, 1=connecting, 2=ready)",
		},
	)

	eventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Total number of events dropped for slow subscribers",
		},
		[]string{"type"},
	)

	// Upstream Metrics
	upstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Total number of upstream requests by route and status",
		},
		[]string{"route", "status_code"},
	)

	upstreamRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Upstream request duration in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"route"},
	)

	upstreamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "errors_total",
			Help:      "Total number of upstream errors",
		},
		[]string{"route", "error_type"}, // timeout, connection_refused, circuit_open
	)

	// Circuit Breaker Metrics
	circuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuitbreaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"breaker"},
	)

	circuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "circuitbreaker",
			Name:      "transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"breaker", "from_state", "to_state"},
	)

	// Health Check Metrics
	healthCheckTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Total number of health checks performed",
		},
		[]string{"check_name", "status"},
	)

	healthCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "check_duration_seconds",
			Help:      "Duration of health checks in seconds",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 2},
		},
		[]string{"check_name"},
	)

	once sync.Once
)

// Init initializes and registers all metrics with Prometheus
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			httpActiveRequests,

			identityResolutionsTotal,
			tokenValidationFailuresTotal,

			rateLimitDecisionsTotal,
			rateLimitCostTotal,
			rateLimitCheckDuration,
			rateLimitFallbackActive,
			rateLimitStoreErrorsTotal,
			coordinationState,
			eventsDroppedTotal,

			upstreamRequestsTotal,
			upstreamRequestDuration,
			upstreamErrorsTotal,

			circuitBreakerState,
			circuitBreakerTransitionsTotal,

			healthCheckTotal,
			healthCheckDuration,
		)
	})
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// HTTP Metrics functions
func RecordHTTPRequest(method, route, statusCode string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
	httpRequestDuration.WithLabelValues(method, route, statusCode).Observe(duration.Seconds())
}

func IncActiveRequests() {
	httpActiveRequests.Inc()
}

func DecActiveRequests() {
	httpActiveRequests.Dec()
}

// Identity functions
func RecordIdentityResolution(source string) {
	identityResolutionsTotal.WithLabelValues(source).Inc()
}

func RecordTokenValidationFailure(errorType string) {
	tokenValidationFailuresTotal.WithLabelValues(errorType).Inc()
}

// RecordRateLimitDecision records one admission decision and the time it took
func RecordRateLimitDecision(scope, source string, allowed bool, cost float64, duration time.Duration) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	rateLimitDecisionsTotal.WithLabelValues(scope, source, result).Inc()
	rateLimitCostTotal.WithLabelValues(scope).Add(cost)
	rateLimitCheckDuration.WithLabelValues(source).Observe(duration.Seconds())
}

func RecordRateLimitStoreError(errorType string) {
	rateLimitStoreErrorsTotal.WithLabelValues(errorType).Inc()
}

func SetRateLimitFallbackActive(active bool) {
	if active {
		rateLimitFallbackActive.Set(1)
		return
	}
	rateLimitFallbackActive.Set(0)
}

func SetCoordinationState(state int) {
	coordinationState.Set(float64(state))
}

func RecordEventDropped(eventType string) {
	eventsDroppedTotal.WithLabelValues(eventType).Inc()
}

// Upstream Metrics functions
func RecordUpstreamRequest(route, statusCode string, duration time.Duration) {
	upstreamRequestsTotal.WithLabelValues(route, statusCode).Inc()
	upstreamRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func RecordUpstreamError(route, errorType string) {
	upstreamErrorsTotal.WithLabelValues(route, errorType).Inc()
}

// Circuit Breaker Metrics functions
func SetCircuitBreakerState(breaker string, state int) {
	circuitBreakerState.WithLabelValues(breaker).Set(float64(state))
}

func RecordCircuitBreakerTransition(breaker, fromState, toState string) {
	circuitBreakerTransitionsTotal.WithLabelValues(breaker, fromState, toState).Inc()
}

// Health Check Metrics functions
func RecordHealthCheck(checkName, status string, duration time.Duration) {
	healthCheckTotal.WithLabelValues(checkName, status).Inc()
	healthCheckDuration.WithLabelValues(checkName).Observe(duration.Seconds())
}
