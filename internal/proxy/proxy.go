package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/maltehedderich/weather-gateway/internal/circuitbreaker"
	"github.com/maltehedderich/weather-gateway/internal/config"
	"github.com/maltehedderich/weather-gateway/internal/logger"
	"github.com/maltehedderich/weather-gateway/internal/metrics"
	"github.com/maltehedderich/weather-gateway/internal/middleware"
	"github.com/maltehedderich/weather-gateway/internal/router"
	"github.com/maltehedderich/weather-gateway/internal/tracing"
)

// breakerName is the circuit breaker guarding the weather provider
const breakerName = "upstream"

// Hop-by-hop headers are never forwarded in either direction
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Inbound headers that identify the caller to the gateway only
var privateHeaders = map[string]bool{
	"Authorization": true,
	"Cookie":        true,
}

// Proxy forwards admitted requests to the weather provider
type Proxy struct {
	client          *http.Client
	baseURL         *url.URL
	config          *Config
	circuitBreakers *circuitbreaker.Manager
	breakerConfig   *circuitbreaker.Config
	logger          *logger.ComponentLogger
}

// Config contains proxy configuration
type Config struct {
	BaseURL             string
	APIKey              string
	APIKeyParam         string
	APIKeyHeader        string // inbound caller key header, stripped before forwarding
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	DefaultTimeout      time.Duration
	MaxRetries          int
	RetryDelay          time.Duration
}

// DefaultConfig returns default proxy configuration
func DefaultConfig() *Config {
	return &Config{
		APIKeyParam:         "key",
		APIKeyHeader:        "X-API-Key",
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DefaultTimeout:      10 * time.Second,
		MaxRetries:          2,
		RetryDelay:          100 * time.Millisecond,
	}
}

// ConfigFromGateway builds the proxy configuration from the gateway config
func ConfigFromGateway(cfg *config.Config) *Config {
	c := DefaultConfig()
	c.BaseURL = cfg.Upstream.BaseURL
	c.APIKey = cfg.Upstream.APIKey
	if cfg.Upstream.APIKeyParam != "" {
		c.APIKeyParam = cfg.Upstream.APIKeyParam
	}
	if cfg.Auth.APIKeyHeader != "" {
		c.APIKeyHeader = cfg.Auth.APIKeyHeader
	}
	if cfg.Upstream.Timeout > 0 {
		c.DefaultTimeout = cfg.Upstream.Timeout
	}
	c.MaxRetries = cfg.Upstream.MaxRetries
	if cfg.Upstream.RetryDelay > 0 {
		c.RetryDelay = cfg.Upstream.RetryDelay
	}
	return c
}

// New creates a new proxy instance. breakers may be shared with health checks.
func New(cfg *Config, breakers *circuitbreaker.Manager) (*Proxy, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if breakers == nil {
		breakers = circuitbreaker.NewManager()
	}

	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base URL: %w", err)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("invalid upstream base URL %q: scheme and host are required", cfg.BaseURL)
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSHandshakeTimeout: 5 * time.Second,
	}

	client := &http.Client{
		Transport: transport,
		// Don't follow redirects - let the client handle them
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	p := &Proxy{
		client:          client,
		baseURL:         baseURL,
		config:          cfg,
		circuitBreakers: breakers,
		breakerConfig:   circuitbreaker.DefaultConfig(),
		logger:          logger.Get().WithComponent("proxy"),
	}
	// register the breaker now so it is listed before the first request
	p.Breaker()
	return p, nil
}

// Breaker returns the circuit breaker guarding the provider
func (p *Proxy) Breaker() *circuitbreaker.CircuitBreaker {
	return p.circuitBreakers.Get(breakerName, p.breakerConfig)
}

// ServeHTTP forwards requests matched by the router middleware and
// answers 404 or 405 for the rest.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	match, err := router.FromContext(r.Context())
	switch {
	case errors.Is(err, router.ErrMethodNotAllowed):
		middleware.WriteError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "HTTP method not allowed for this route")
		return
	case err != nil:
		middleware.WriteError(w, r, http.StatusNotFound, "not_found", "No route matches the request path")
		return
	}

	if err := p.Forward(w, r, match); err != nil {
		status, code, message := http.StatusBadGateway, "upstream_unavailable", "The weather provider could not be reached"
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			status, code, message = http.StatusServiceUnavailable, "upstream_circuit_open", "The weather provider is temporarily unavailable"
		} else if errors.Is(err, context.DeadlineExceeded) {
			status, code, message = http.StatusGatewayTimeout, "upstream_timeout", "The weather provider did not respond in time"
		}

		tracing.RecordError(r.Context(), err)
		logger.FromContext(r.Context(), "proxy").Error("upstream request failed", logger.Fields{
			"route":    match.Route.PathPattern,
			"error":    err.Error(),
			"trace_id": tracing.TraceID(r.Context()),
		})
		middleware.WriteError(w, r, status, code, message)
	}
}

// Forward sends the request to the provider and streams the response
// back. An error means nothing was written to w.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, match *router.Match) error {
	route := match.Route.PathPattern
	targetURL := p.buildTargetURL(r, match)

	timeout := p.config.DefaultTimeout
	if match.Route.Timeout > 0 {
		timeout = match.Route.Timeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	start := time.Now()
	var resp *http.Response
	err := p.Breaker().Execute(func() error {
		var execErr error
		resp, execErr = p.forwardWithRetry(ctx, r, targetURL)
		if execErr == nil && resp.StatusCode >= http.StatusInternalServerError {
			// The response still goes to the client; the breaker counts it
			return errUpstreamStatus
		}
		return execErr
	})
	if errors.Is(err, errUpstreamStatus) {
		err = nil
	}

	if err != nil {
		metrics.RecordUpstreamError(route, upstreamErrorType(err))
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return fmt.Errorf("upstream %s: %w", breakerName, err)
		}
		return fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	metrics.RecordUpstreamRequest(route, strconv.Itoa(resp.StatusCode), time.Since(start))

	p.logger.Debug("upstream response received", logger.Fields{
		"correlation_id": logger.GetCorrelationID(r.Context()),
		"route":          route,
		"status":         resp.StatusCode,
		"content_length": resp.ContentLength,
	})

	copyResponseHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		p.logger.Warn("error streaming response", logger.Fields{
			"correlation_id": logger.GetCorrelationID(r.Context()),
			"error":          err.Error(),
		})
	}

	return nil
}

var errUpstreamStatus = errors.New("upstream returned a server error")

// buildTargetURL joins the base URL and the route's upstream path,
// substitutes path parameters, and appends the provider API key
func (p *Proxy) buildTargetURL(r *http.Request, match *router.Match) *url.URL {
	path := match.Route.UpstreamPath
	for name, value := range match.Params {
		path = strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(value))
	}

	target := *p.baseURL
	target.Path = strings.TrimSuffix(p.baseURL.Path, "/") + "/" + strings.TrimPrefix(path, "/")

	query := r.URL.Query()
	if p.config.APIKey != "" {
		query.Set(p.config.APIKeyParam, p.config.APIKey)
	} else {
		// Never let a caller choose the provider account
		query.Del(p.config.APIKeyParam)
	}
	target.RawQuery = query.Encode()

	return &target
}

// newUpstreamRequest builds one attempt. Bodies are not forwarded; every
// route is a read against the provider.
func (p *Proxy) newUpstreamRequest(ctx context.Context, r *http.Request, target *url.URL) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), nil)
	if err != nil {
		return nil, err
	}

	for key, values := range r.Header {
		if hopHeaders[key] || privateHeaders[key] || strings.EqualFold(key, p.config.APIKeyHeader) {
			continue
		}
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	addForwardedHeaders(req, r)

	if correlationID := logger.GetCorrelationID(r.Context()); correlationID != "" {
		req.Header.Set(middleware.CorrelationIDHeader, correlationID)
	}
	req.Header.Add("Via", "1.1 weather-gateway")
	tracing.InjectTraceContext(ctx, req)

	req.Host = target.Host
	return req, nil
}

// addForwardedHeaders adds X-Forwarded-* headers
func addForwardedHeaders(upstream, original *http.Request) {
	clientIP, _, err := net.SplitHostPort(original.RemoteAddr)
	if err != nil {
		clientIP = original.RemoteAddr
	}
	if prior := original.Header.Get("X-Forwarded-For"); prior != "" {
		clientIP = prior + ", " + clientIP
	}
	upstream.Header.Set("X-Forwarded-For", clientIP)

	proto := "http"
	if original.TLS != nil {
		proto = "https"
	}
	upstream.Header.Set("X-Forwarded-Proto", proto)
	upstream.Header.Set("X-Forwarded-Host", original.Host)
}

// copyResponseHeaders copies response headers except hop-by-hop ones
func copyResponseHeaders(dst http.ResponseWriter, src *http.Response) {
	for key, values := range src.Header {
		if hopHeaders[key] {
			continue
		}
		for _, value := range values {
			dst.Header().Add(key, value)
		}
	}
}

// forwardWithRetry retries transport errors with exponential backoff.
// Any HTTP response, whatever its status, ends the retries.
func (p *Proxy) forwardWithRetry(ctx context.Context, r *http.Request, target *url.URL) (*http.Response, error) {
	var resp *http.Response
	attempt := 0

	operation := func() error {
		attempt++
		req, err := p.newUpstreamRequest(ctx, r, target)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err = p.client.Do(req)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		p.logger.Warn("upstream request failed, will retry", logger.Fields{
			"correlation_id": logger.GetCorrelationID(r.Context()),
			"attempt":        attempt,
			"delay":          delay.String(),
			"error":          err.Error(),
		})
		tracing.AddEventToSpan(ctx, "upstream.retry",
			attribute.Int("attempt", attempt),
			attribute.String("error", err.Error()),
		)
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.config.RetryDelay),
		backoff.WithMaxElapsedTime(0),
	)
	var policy backoff.BackOff = b
	if p.config.MaxRetries >= 0 {
		policy = backoff.WithMaxRetries(b, uint64(p.config.MaxRetries))
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, err
	}
	return resp, nil
}

// isRetryable reports whether a failed attempt may be repeated. The
// per-request deadline covers every attempt, so once it or the caller's
// context is done retrying cannot help.
func isRetryable(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// upstreamErrorType buckets errors for the upstream error metric
func upstreamErrorType(err error) string {
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "transport"
	}
}
