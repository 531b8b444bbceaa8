package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/maltehedderich/weather-gateway/internal/circuitbreaker"
	"github.com/maltehedderich/weather-gateway/internal/config"
	"github.com/maltehedderich/weather-gateway/internal/logger"
	"github.com/maltehedderich/weather-gateway/internal/metrics"
	"github.com/maltehedderich/weather-gateway/internal/middleware"
	"github.com/maltehedderich/weather-gateway/internal/router"
)

func init() {
	// Initialize logger for tests
	logger.Init(logger.InfoLevel, "json", &bytes.Buffer{})
	metrics.Init()
}

func testRoutes() []config.RouteConfig {
	return []config.RouteConfig{
		{
			PathPattern:  "/v1/weather/current",
			Methods:      []string{"GET"},
			UpstreamPath: "/current.json",
		},
		{
			PathPattern:  "/v1/weather/history/{date}",
			Methods:      []string{"GET"},
			UpstreamPath: "/history/{date}.json",
		},
		{
			PathPattern:  "/v1/weather/slow",
			Methods:      []string{"GET"},
			UpstreamPath: "/slow.json",
			Timeout:      30 * time.Millisecond,
		},
	}
}

// newGateway returns the proxy behind the router middleware
func newGateway(t *testing.T, upstream string, breakers *circuitbreaker.Manager) (http.Handler, *Proxy) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.BaseURL = upstream + "/v1"
	cfg.APIKey = "provider-secret"
	cfg.RetryDelay = time.Millisecond

	p, err := New(cfg, breakers)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	r := router.New("weather")
	if err := r.LoadRoutes(testRoutes()); err != nil {
		t.Fatalf("LoadRoutes() error = %v", err)
	}

	return r.Middleware()(p), p
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) middleware.ErrorResponse {
	t.Helper()
	var resp middleware.ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return resp
}

func TestNew_InvalidBaseURL(t *testing.T) {
	tests := []string{"", "not a url", "/relative/path", "://missing-scheme"}

	for _, base := range tests {
		cfg := DefaultConfig()
		cfg.BaseURL = base
		if _, err := New(cfg, nil); err == nil {
			t.Errorf("expected error for base URL %q", base)
		}
	}
}

func TestConfigFromGateway(t *testing.T) {
	gw := &config.Config{
		Auth: config.AuthConfig{APIKeyHeader: "X-Caller-Key"},
		Upstream: config.UpstreamConfig{
			BaseURL:     "https://api.example.com/v1",
			APIKey:      "secret",
			APIKeyParam: "appid",
			Timeout:     3 * time.Second,
			MaxRetries:  4,
		},
	}

	cfg := ConfigFromGateway(gw)

	if cfg.BaseURL != gw.Upstream.BaseURL || cfg.APIKey != "secret" || cfg.APIKeyParam != "appid" {
		t.Errorf("upstream settings not copied: %+v", cfg)
	}
	if cfg.APIKeyHeader != "X-Caller-Key" {
		t.Errorf("expected caller key header X-Caller-Key, got %s", cfg.APIKeyHeader)
	}
	if cfg.DefaultTimeout != 3*time.Second || cfg.MaxRetries != 4 {
		t.Errorf("expected timeout 3s and 4 retries, got %s and %d", cfg.DefaultTimeout, cfg.MaxRetries)
	}
	if cfg.RetryDelay != DefaultConfig().RetryDelay {
		t.Errorf("expected default retry delay, got %s", cfg.RetryDelay)
	}
}

func TestForward(t *testing.T) {
	var got *http.Request
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(r.Context())
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Connection", "close")
		w.Header().Set("X-Provider", "weatherapi")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"temp_c":21.5}`))
	}))
	defer upstream.Close()

	gw, _ := newGateway(t, upstream.URL, nil)

	req := httptest.NewRequest("GET", "/v1/weather/history/2024-06-01?q=Berlin&key=caller-chosen", nil)
	req.Header.Set("X-API-Key", "caller-key")
	req.Header.Set("Authorization", "Bearer token")
	req.Header.Set("Accept-Language", "de")
	req = req.WithContext(logger.WithCorrelationID(req.Context(), "corr-42"))
	rr := httptest.NewRecorder()

	gw.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if body := rr.Body.String(); body != `{"temp_c":21.5}` {
		t.Errorf("unexpected body %q", body)
	}
	if rr.Header().Get("X-Provider") != "weatherapi" {
		t.Error("expected provider header to be copied")
	}
	if rr.Header().Get("Connection") != "" {
		t.Error("hop-by-hop header must not be copied")
	}

	if got == nil {
		t.Fatal("upstream was not called")
	}
	if got.URL.Path != "/v1/history/2024-06-01.json" {
		t.Errorf("unexpected upstream path %s", got.URL.Path)
	}
	query := got.URL.Query()
	if query.Get("key") != "provider-secret" {
		t.Errorf("expected provider key to replace the caller's, got %q", query.Get("key"))
	}
	if query.Get("q") != "Berlin" {
		t.Errorf("expected q=Berlin, got %q", query.Get("q"))
	}
	if got.Header.Get("X-API-Key") != "" || got.Header.Get("Authorization") != "" {
		t.Error("caller credentials must not reach the provider")
	}
	if got.Header.Get("Accept-Language") != "de" {
		t.Error("expected ordinary headers to be forwarded")
	}
	if got.Header.Get(middleware.CorrelationIDHeader) != "corr-42" {
		t.Errorf("expected correlation ID corr-42, got %q", got.Header.Get(middleware.CorrelationIDHeader))
	}
	if got.Header.Get("X-Forwarded-For") == "" {
		t.Error("expected X-Forwarded-For to be set")
	}
}

func TestServeHTTP_Unrouted(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer upstream.Close()

	gw, _ := newGateway(t, upstream.URL, nil)

	tests := []struct {
		name   string
		method string
		path   string
		status int
		code   string
	}{
		{"unknown path", "GET", "/v1/marine", http.StatusNotFound, "not_found"},
		{"wrong method", "POST", "/v1/weather/current", http.StatusMethodNotAllowed, "method_not_allowed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			gw.ServeHTTP(rr, httptest.NewRequest(tt.method, tt.path, nil))

			if rr.Code != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, rr.Code)
			}
			if resp := decodeError(t, rr); resp.Error != tt.code {
				t.Errorf("expected error %s, got %s", tt.code, resp.Error)
			}
		})
	}

	if calls.Load() != 0 {
		t.Errorf("expected no upstream calls, got %d", calls.Load())
	}
}

func TestForward_RetriesTransportErrors(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// Drop the connection without a response
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		_, _ = io.WriteString(w, "ok")
	}))
	defer upstream.Close()

	gw, _ := newGateway(t, upstream.URL, nil)

	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, httptest.NewRequest("GET", "/v1/weather/current?q=Oslo", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 after retry, got %d", rr.Code)
	}
	if calls.Load() < 2 {
		t.Errorf("expected at least 2 upstream attempts, got %d", calls.Load())
	}
}

func TestForward_UpstreamErrorStatusIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"code":1006,"message":"No matching location found."}}`)
	}))
	defer upstream.Close()

	gw, _ := newGateway(t, upstream.URL, nil)

	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, httptest.NewRequest("GET", "/v1/weather/current?q=Nowhere", nil))

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected provider status 400 to pass through, got %d", rr.Code)
	}
	if calls.Load() != 1 {
		t.Errorf("expected exactly 1 upstream call, got %d", calls.Load())
	}
}

func TestForward_CircuitOpens(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	breakers := circuitbreaker.NewManager()
	breakers.Get(breakerName, &circuitbreaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
		MaxRequests:      1,
	})
	gw, p := newGateway(t, upstream.URL, breakers)

	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, httptest.NewRequest("GET", "/v1/weather/current", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected provider 500 to pass through, got %d", rr.Code)
	}
	if p.Breaker().GetState() != circuitbreaker.StateOpen {
		t.Fatalf("expected breaker to open, got %s", p.Breaker().GetState())
	}

	rr = httptest.NewRecorder()
	gw.ServeHTTP(rr, httptest.NewRequest("GET", "/v1/weather/current", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503 while open, got %d", rr.Code)
	}
	if resp := decodeError(t, rr); resp.Error != "upstream_circuit_open" {
		t.Errorf("expected upstream_circuit_open, got %s", resp.Error)
	}
	if calls.Load() != 1 {
		t.Errorf("expected the open breaker to block the second call, got %d calls", calls.Load())
	}
}

func TestForward_RouteTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer upstream.Close()

	gw, _ := newGateway(t, upstream.URL, nil)

	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, httptest.NewRequest("GET", "/v1/weather/slow", nil))

	if rr.Code != http.StatusGatewayTimeout {
		t.Errorf("expected status 504, got %d", rr.Code)
	}
	if resp := decodeError(t, rr); resp.Error != "upstream_timeout" {
		t.Errorf("expected upstream_timeout, got %s", resp.Error)
	}
}

func TestServeHTTP_FailureMarksSpan(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := upstream.URL
	upstream.Close()

	gw, _ := newGateway(t, addr, nil)

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	ctx, span := provider.Tracer("test").Start(context.Background(), "GET /v1/weather/current")
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, httptest.NewRequest("GET", "/v1/weather/current", nil).WithContext(ctx))
	span.End()

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", rr.Code)
	}
	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected one span, got %d", len(ended))
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("expected span marked as error, got %v", ended[0].Status())
	}
	var exceptions int
	for _, e := range ended[0].Events() {
		if e.Name == "exception" {
			exceptions++
		}
	}
	if exceptions != 1 {
		t.Errorf("expected the upstream error recorded once, got %d", exceptions)
	}
}

func TestBuildTargetURL_NoProviderKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseURL = "https://api.example.com/v1/"
	p, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	match := &router.Match{
		Route:  &router.Route{UpstreamPath: "forecast.json"},
		Params: map[string]string{},
	}
	req := httptest.NewRequest("GET", "/v1/weather/forecast?q=Rome&key=caller", nil)

	target := p.buildTargetURL(req, match)

	if target.Path != "/v1/forecast.json" {
		t.Errorf("unexpected path %s", target.Path)
	}
	if target.Query().Has("key") {
		t.Error("a caller-supplied provider key must be dropped")
	}
	if target.Query().Get("q") != "Rome" {
		t.Errorf("expected q=Rome, got %q", target.Query().Get("q"))
	}
}
