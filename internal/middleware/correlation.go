package middleware

import (
	"net/http"

	"github.com/maltehedderich/weather-gateway/internal/logger"
)

// CorrelationIDHeader carries the correlation ID in both directions
const CorrelationIDHeader = "X-Correlation-ID"

const maxCorrelationIDLen = 128

// CorrelationID tags every request with a correlation ID, reusing the
// caller's when it is well formed and echoing it on the response.
func CorrelationID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(CorrelationIDHeader)
			if !validCorrelationID(id) {
				id = logger.GenerateCorrelationID()
			}

			w.Header().Set(CorrelationIDHeader, id)
			next.ServeHTTP(w, r.WithContext(logger.WithCorrelationID(r.Context(), id)))
		})
	}
}

// validCorrelationID admits short tokens of letters, digits and the
// separators - _ . : so a caller cannot inject text into log lines.
func validCorrelationID(id string) bool {
	if id == "" || len(id) > maxCorrelationIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':':
		default:
			return false
		}
	}
	return true
}
