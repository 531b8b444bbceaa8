package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// SecurityConfig contains security middleware configuration
type SecurityConfig struct {
	// HSTS
	EnableHSTS            bool
	HSTSMaxAge            int
	HSTSIncludeSubdomains bool

	ContentSecurityPolicy string
	FrameOptions          string // DENY, SAMEORIGIN
	ContentTypeNosniff    bool
	ReferrerPolicy        string
}

// DefaultSecurityConfig returns headers suitable for a JSON-only API
func DefaultSecurityConfig() *SecurityConfig {
	return &SecurityConfig{
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		FrameOptions:          "DENY",
		ContentTypeNosniff:    true,
		ReferrerPolicy:        "no-referrer",
	}
}

// Security returns a middleware that adds security headers to responses
func Security(cfg *SecurityConfig) func(http.Handler) http.Handler {
	if cfg == nil {
		cfg = DefaultSecurityConfig()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			if cfg.EnableHSTS {
				h.Set("Strict-Transport-Security", buildHSTSHeader(cfg))
			}
			if cfg.ContentSecurityPolicy != "" {
				h.Set("Content-Security-Policy", cfg.ContentSecurityPolicy)
			}
			if cfg.FrameOptions != "" {
				h.Set("X-Frame-Options", cfg.FrameOptions)
			}
			if cfg.ContentTypeNosniff {
				h.Set("X-Content-Type-Options", "nosniff")
			}
			if cfg.ReferrerPolicy != "" {
				h.Set("Referrer-Policy", cfg.ReferrerPolicy)
			}

			next.ServeHTTP(w, r)
		})
	}
}

// buildHSTSHeader builds the HSTS header value
func buildHSTSHeader(cfg *SecurityConfig) string {
	parts := []string{"max-age=" + strconv.Itoa(cfg.HSTSMaxAge)}
	if cfg.HSTSIncludeSubdomains {
		parts = append(parts, "includeSubDomains")
	}
	return strings.Join(parts, "; ")
}
