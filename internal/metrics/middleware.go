package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/maltehedderich/weather-gateway/internal/middleware"
)

// RouteLabeler maps a request onto a bounded route label
type RouteLabeler func(r *http.Request) string

// Middleware returns a metrics collection middleware.
// Requests to skipPath are not recorded. A nil labeler labels every
// request "unmatched" so raw paths never become label values.
func Middleware(skipPath string, labeler RouteLabeler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == skipPath {
				next.ServeHTTP(w, r)
				return
			}

			IncActiveRequests()
			defer DecActiveRequests()

			start := time.Now()
			wrapped := middleware.NewResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			route := "unmatched"
			if labeler != nil {
				route = labeler(r)
			}
			RecordHTTPRequest(r.Method, route, strconv.Itoa(wrapped.StatusCode()), time.Since(start))
		})
	}
}
