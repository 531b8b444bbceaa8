package middleware

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/maltehedderich/weather-gateway/internal/logger"
)

const redacted = "REDACTED"

// ClientIPFunc attributes a request to a client address
type ClientIPFunc func(r *http.Request) string

// Logging returns a middleware that logs HTTP requests and responses.
// clientIP fills the remote_ip field and defaults to the connection peer.
// Values of the named query parameters are redacted in the log.
func Logging(clientIP ClientIPFunc, redactParams ...string) func(http.Handler) http.Handler {
	if clientIP == nil {
		clientIP = peerIP
	}
	redact := make(map[string]bool, len(redactParams))
	for _, p := range redactParams {
		redact[strings.ToLower(p)] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := NewResponseWriter(w)

			log := logger.FromContext(r.Context(), "http")
			remoteIP := clientIP(r)

			log.Info("incoming request", logger.Fields{
				"method":         r.Method,
				"path":           r.URL.Path,
				"query":          sanitizeQuery(r.URL.RawQuery, redact),
				"remote_ip":      remoteIP,
				"user_agent":     r.UserAgent(),
				"protocol":       r.Proto,
				"host":           r.Host,
				"content_length": r.ContentLength,
			})

			next.ServeHTTP(rw, r)

			duration := time.Since(start)

			fields := logger.Fields{
				"method":        r.Method,
				"path":          r.URL.Path,
				"status":        rw.Status(),
				"duration_ms":   duration.Milliseconds(),
				"response_size": rw.Size(),
				"remote_ip":     remoteIP,
			}

			message := "request completed"
			switch status := rw.Status(); {
			case status >= 500:
				log.Error(message, fields)
			case status >= 400:
				log.Warn(message, fields)
			default:
				log.Info(message, fields)
			}
		})
	}
}

// sanitizeQuery replaces the values of sensitive parameters
func sanitizeQuery(query string, redact map[string]bool) string {
	if query == "" || len(redact) == 0 {
		return query
	}

	values, err := url.ParseQuery(query)
	if err != nil {
		return redacted
	}

	for name, vals := range values {
		if !redact[strings.ToLower(name)] {
			continue
		}
		for i := range vals {
			vals[i] = redacted
		}
	}

	return values.Encode()
}
