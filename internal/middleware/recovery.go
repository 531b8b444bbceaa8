package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/maltehedderich/weather-gateway/internal/logger"
)

// Recovery returns a middleware that recovers from panics
func Recovery() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := NewResponseWriter(w)

			defer func() {
				err := recover()
				if err == nil {
					return
				}
				if err == http.ErrAbortHandler {
					panic(err)
				}

				log := logger.FromContext(r.Context(), "recovery")
				log.Error("panic recovered", logger.Fields{
					"error":     fmt.Sprintf("%v", err),
					"stack":     string(debug.Stack()),
					"method":    r.Method,
					"path":      r.URL.Path,
					"remote_ip": peerIP(r),
				})

				// Headers already went out; the client sees a truncated body
				if rw.Written() {
					return
				}

				WriteError(rw, r, http.StatusInternalServerError, "internal_server_error", "An internal error occurred")
			}()

			next.ServeHTTP(rw, r)
		})
	}
}
