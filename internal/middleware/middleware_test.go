package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/maltehedderich/weather-gateway/internal/logger"
)

// TestRecovery tests the panic recovery middleware
func TestRecovery(t *testing.T) {
	// Initialize logger
	logger.Init(logger.InfoLevel, "json", os.Stdout)

	tests := []struct {
		name           string
		handler        http.HandlerFunc
		expectPanic    bool
		expectedStatus int
	}{
		{
			name: "No panic",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("success"))
			},
			expectPanic:    false,
			expectedStatus: http.StatusOK,
		},
		{
			name: "Panic recovered",
			handler: func(w http.ResponseWriter, r *http.Request) {
				panic("test panic")
			},
			expectPanic:    true,
			expectedStatus: http.StatusInternalServerError,
		},
		{
			name: "Panic with correlation ID",
			handler: func(w http.ResponseWriter, r *http.Request) {
				panic("test panic with correlation")
			},
			expectPanic:    true,
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Create test request
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.name == "Panic with correlation ID" {
				ctx := logger.WithCorrelationID(req.Context(), "test-correlation-123")
				req = req.WithContext(ctx)
			}

			// Create response recorder
			rr := httptest.NewRecorder()

			// Create middleware chain
			middleware := Recovery()
			handler := middleware(tt.handler)

			// Execute request
			handler.ServeHTTP(rr, req)

			// Check status code
			if rr.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rr.Code)
			}

			// If panic was expected, verify error response
			if tt.expectPanic {
				var response map[string]interface{}
				if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}

				if response["error"] != "internal_server_error" {
					t.Errorf("expected error code 'internal_server_error', got %v", response["error"])
				}

				if tt.name == "Panic with correlation ID" {
					if response["correlation_id"] != "test-correlation-123" {
						t.Errorf("expected correlation_id 'test-correlation-123', got %v", response["correlation_id"])
					}
				}
			}
		})
	}
}

func TestLogging(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		clientIP ClientIPFunc
		level    string
		remoteIP string
	}{
		{"success logs at info", http.StatusOK, nil, "INFO", "192.0.2.10"},
		{"client error logs at warn", http.StatusTooManyRequests, nil, "WARN", "192.0.2.10"},
		{"server error logs at error", http.StatusBadGateway, nil, "ERROR", "192.0.2.10"},
		{"resolver decides remote ip", http.StatusOK, func(*http.Request) string { return "198.51.100.7" }, "INFO", "198.51.100.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger.Init(logger.InfoLevel, "json", &buf)

			req := httptest.NewRequest("GET", "/v1/forecast?q=berlin&key=secret", nil)
			req.RemoteAddr = "192.0.2.10:41000"
			req.Header.Set("X-Forwarded-For", "203.0.113.99")
			req = req.WithContext(logger.WithCorrelationID(req.Context(), "corr-log"))

			rr := httptest.NewRecorder()
			Logging(tt.clientIP, "key")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})).ServeHTTP(rr, req)

			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			if len(lines) != 2 {
				t.Fatalf("expected request and completion lines, got %d", len(lines))
			}
			var incoming, completed logger.Entry
			if err := json.Unmarshal([]byte(lines[0]), &incoming); err != nil {
				t.Fatalf("failed to decode log line: %v", err)
			}
			if err := json.Unmarshal([]byte(lines[1]), &completed); err != nil {
				t.Fatalf("failed to decode log line: %v", err)
			}

			if completed.Level != tt.level {
				t.Errorf("expected level %s, got %s", tt.level, completed.Level)
			}
			if completed.CorrelationID != "corr-log" {
				t.Errorf("expected correlation ID corr-log, got %q", completed.CorrelationID)
			}
			if got := completed.Fields["remote_ip"]; got != tt.remoteIP {
				t.Errorf("expected remote_ip %s, got %v", tt.remoteIP, got)
			}
			if q, _ := incoming.Fields["query"].(string); strings.Contains(q, "secret") {
				t.Errorf("expected key redacted, got %q", q)
			}
		})
	}
}

func TestCorrelationID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"missing header", "", false},
		{"well formed id kept", "req-2024.10:abc_1", true},
		{"uuid kept", "1b4e28ba-2fa1-11d2-883f-0016d3cca427", true},
		{"spaces rejected", "abc def", false},
		{"newline rejected", "abc\ninjected", false},
		{"quote rejected", `abc"}`, false},
		{"overlong rejected", strings.Repeat("a", maxCorrelationIDLen+1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/v1/current", nil)
			if tt.incoming != "" {
				req.Header.Set(CorrelationIDHeader, tt.incoming)
			}

			var inContext string
			rr := httptest.NewRecorder()
			CorrelationID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				inContext = logger.GetCorrelationID(r.Context())
			})).ServeHTTP(rr, req)

			echoed := rr.Header().Get(CorrelationIDHeader)
			if echoed == "" || echoed != inContext {
				t.Fatalf("expected the same ID in response and context, got %q and %q", echoed, inContext)
			}
			if tt.keep && echoed != tt.incoming {
				t.Errorf("expected %q kept, got %q", tt.incoming, echoed)
			}
			if !tt.keep && echoed == tt.incoming {
				t.Errorf("expected %q replaced", tt.incoming)
			}
			if !validCorrelationID(echoed) {
				t.Errorf("generated ID %q is not well formed", echoed)
			}
		})
	}
}

func TestResponseWriter(t *testing.T) {
	t.Run("Status and Size tracking", func(t *testing.T) {
		rr := httptest.NewRecorder()
		rw := NewResponseWriter(rr)

		// Write header
		rw.WriteHeader(http.StatusCreated)

		// Write body
		data := []byte("test response")
		n, err := rw.Write(data)
		if err != nil {
			t.Fatalf("failed to write: %v", err)
		}

		if n != len(data) {
			t.Errorf("expected to write %d bytes, wrote %d", len(data), n)
		}

		// Check status
		if rw.Status() != http.StatusCreated {
			t.Errorf("expected status %d, got %d", http.StatusCreated, rw.Status())
		}

		// Check size
		if rw.Size() != len(data) {
			t.Errorf("expected size %d, got %d", len(data), rw.Size())
		}
	})

	t.Run("Default status OK", func(t *testing.T) {
		rr := httptest.NewRecorder()
		rw := NewResponseWriter(rr)

		// Write without explicit WriteHeader
		_, _ = rw.Write([]byte("test"))

		if rw.Status() != http.StatusOK {
			t.Errorf("expected default status %d, got %d", http.StatusOK, rw.Status())
		}
	})

	t.Run("Multiple WriteHeader calls", func(t *testing.T) {
		rr := httptest.NewRecorder()
		rw := NewResponseWriter(rr)

		// First call should set the status
		rw.WriteHeader(http.StatusCreated)

		// Second call should be ignored
		rw.WriteHeader(http.StatusBadRequest)

		if rw.Status() != http.StatusCreated {
			t.Errorf("expected status %d, got %d", http.StatusCreated, rw.Status())
		}
	})
}

// TestWriteJSON tests the JSON writing utility
func TestWriteJSON(t *testing.T) {
	t.Run("Valid JSON", func(t *testing.T) {
		rr := httptest.NewRecorder()

		data := map[string]interface{}{
			"message": "success",
			"count":   42,
		}

		err := WriteJSON(rr, data)
		if err != nil {
			t.Fatalf("failed to write JSON: %v", err)
		}

		var result map[string]interface{}
		if err := json.NewDecoder(rr.Body).Decode(&result); err != nil {
			t.Fatalf("failed to decode JSON: %v", err)
		}

		if result["message"] != "success" {
			t.Errorf("expected message 'success', got %v", result["message"])
		}

		if result["count"].(float64) != 42 {
			t.Errorf("expected count 42, got %v", result["count"])
		}
	})
}

func TestRecoveryAfterHeadersWritten(t *testing.T) {
	handler := Recovery()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		panic("late panic")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))

	if rr.Code != http.StatusAccepted {
		t.Errorf("expected status %d, got %d", http.StatusAccepted, rr.Code)
	}
	if rr.Body.Len() != 0 {
		t.Errorf("expected no error body after headers were sent, got %q", rr.Body.String())
	}
}

// TestSanitizeQuery tests query redaction in request logs
func TestSanitizeQuery(t *testing.T) {
	redact := map[string]bool{"key": true, "api_key": true}

	tests := []struct {
		name     string
		query    string
		redact   map[string]bool
		expected url.Values
	}{
		{
			name:     "Empty query",
			query:    "",
			redact:   redact,
			expected: url.Values{},
		},
		{
			name:     "No sensitive params",
			query:    "q=London&days=3",
			redact:   redact,
			expected: url.Values{"q": {"London"}, "days": {"3"}},
		},
		{
			name:     "Upstream key redacted",
			query:    "q=Paris&key=secret",
			redact:   redact,
			expected: url.Values{"q": {"Paris"}, "key": {redacted}},
		},
		{
			name:     "Case insensitive names and repeated values",
			query:    "API_KEY=a&API_KEY=b",
			redact:   redact,
			expected: url.Values{"API_KEY": {redacted, redacted}},
		},
		{
			name:     "Nothing configured",
			query:    "key=secret",
			redact:   nil,
			expected: url.Values{"key": {"secret"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := sanitizeQuery(tt.query, tt.redact)
			got, err := url.ParseQuery(out)
			if err != nil {
				t.Fatalf("sanitized query %q does not parse: %v", out, err)
			}
			if len(got) != len(tt.expected) {
				t.Fatalf("expected %v, got %v", tt.expected, got)
			}
			for k, want := range tt.expected {
				if strings.Join(got[k], ",") != strings.Join(want, ",") {
					t.Errorf("param %s: expected %v, got %v", k, want, got[k])
				}
			}
		})
	}

	if out := sanitizeQuery("a=%zz&key=secret", redact); out != redacted {
		t.Errorf("expected unparseable query to be fully redacted, got %q", out)
	}
}

// TestSecurity tests the security headers middleware
func TestSecurity(t *testing.T) {
	tests := []struct {
		name            string
		config          *SecurityConfig
		expectedHeaders map[string]string
	}{
		{
			name: "HSTS enabled",
			config: &SecurityConfig{
				EnableHSTS:            true,
				HSTSMaxAge:            31536000,
				HSTSIncludeSubdomains: true,
			},
			expectedHeaders: map[string]string{
				"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
			},
		},
		{
			name:   "Defaults for a JSON API",
			config: nil,
			expectedHeaders: map[string]string{
				"Strict-Transport-Security": "",
				"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'",
				"X-Frame-Options":           "DENY",
				"X-Content-Type-Options":    "nosniff",
				"Referrer-Policy":           "no-referrer",
			},
		},
		{
			name:   "Empty config sets nothing",
			config: &SecurityConfig{},
			expectedHeaders: map[string]string{
				"X-Frame-Options":        "",
				"X-Content-Type-Options": "",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			rr := httptest.NewRecorder()

			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})

			Security(tt.config)(handler).ServeHTTP(rr, req)

			for headerName, expectedValue := range tt.expectedHeaders {
				actualValue := rr.Header().Get(headerName)
				if actualValue != expectedValue {
					t.Errorf("expected header %s=%q, got %q", headerName, expectedValue, actualValue)
				}
			}
		})
	}
}

// TestBuildHSTSHeader tests the HSTS header builder
func TestBuildHSTSHeader(t *testing.T) {
	tests := []struct {
		name     string
		config   *SecurityConfig
		expected string
	}{
		{
			name:     "Max age only",
			config:   &SecurityConfig{HSTSMaxAge: 31536000},
			expected: "max-age=31536000",
		},
		{
			name: "With includeSubDomains",
			config: &SecurityConfig{
				HSTSMaxAge:            31536000,
				HSTSIncludeSubdomains: true,
			},
			expected: "max-age=31536000; includeSubDomains",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := buildHSTSHeader(tt.config)
			if result != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, result)
			}
		})
	}
}

func TestPeerIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		want       string
	}{
		{"ipv4 with port", "192.168.1.50:12345", "192.168.1.50"},
		{"ipv6 with port", "[::1]:12345", "::1"},
		{"no port", "192.168.1.50", "192.168.1.50"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/v1/current", nil)
			req.RemoteAddr = tt.remoteAddr
			req.Header.Set("X-Forwarded-For", "203.0.113.99")
			req.Header.Set("X-Real-IP", "203.0.113.98")

			if got := peerIP(req); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestWriteError(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	req = req.WithContext(logger.WithCorrelationID(req.Context(), "corr-1"))
	rr := httptest.NewRecorder()

	WriteError(rr, req, http.StatusBadGateway, "upstream_unavailable", "upstream failed")

	if rr.Code != http.StatusBadGateway {
		t.Errorf("expected status %d, got %d", http.StatusBadGateway, rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", ct)
	}

	var resp ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Error != "upstream_unavailable" || resp.CorrelationID != "corr-1" {
		t.Errorf("unexpected error response: %+v", resp)
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	base := NewChain(mark("a"), mark("b"))
	extended := base.Append(mark("c"))

	extended.Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if got := strings.Join(order, ","); got != "a,b,c,handler" {
		t.Errorf("expected a,b,c,handler, got %s", got)
	}

	order = nil
	base.Then(http.NotFoundHandler()).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if got := strings.Join(order, ","); got != "a,b" {
		t.Errorf("Append must not modify the original chain, got %s", got)
	}
}

func TestNewResponseWriterReusesWrapper(t *testing.T) {
	rw := NewResponseWriter(httptest.NewRecorder())
	if NewResponseWriter(rw) != rw {
		t.Error("expected wrapping a ResponseWriter to return it unchanged")
	}
}
