// Package ginlimit applies the gateway's rate limiting to gin routes.
package ginlimit

import (
	"github.com/gin-gonic/gin"

	"github.com/maltehedderich/weather-gateway/internal/ratelimit"
)

// Middleware charges each request through h. Denied requests get the
// limiter's rejection response and the handler chain is aborted.
func Middleware(h *ratelimit.HTTPLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		decision, ok := h.Evaluate(c.Request)
		if !ok {
			c.Next()
			return
		}

		ratelimit.WriteHeaders(c.Writer.Header(), decision)
		if !decision.Allowed {
			h.Reject(c.Writer, c.Request, decision)
			c.Abort()
			return
		}
		c.Next()
	}
}
