// Package admin serves the operator API: coordination and breaker status,
// inspection or reset of individual buckets, and breaker resets.
package admin

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/maltehedderich/weather-gateway/internal/auth"
	"github.com/maltehedderich/weather-gateway/internal/circuitbreaker"
	"github.com/maltehedderich/weather-gateway/internal/config"
	"github.com/maltehedderich/weather-gateway/internal/logger"
	"github.com/maltehedderich/weather-gateway/internal/ratelimit"
	"github.com/maltehedderich/weather-gateway/internal/ratelimit/ginlimit"
)

// Scope is the rate limit scope charged for admin calls
const Scope = config.AdminScope

// Coordination is the view of the connection supervisor the API reports on
type Coordination interface {
	State() ratelimit.ConnectionState
	Generation() uint64
}

// Breakers is the breaker registry the API reports on and resets
type Breakers interface {
	GetStats() []circuitbreaker.Stats
	Reset(name string) error
}

// API is the admin HTTP handler
type API struct {
	engine       *gin.Engine
	limiter      *ratelimit.Limiter
	coordination Coordination
	breakers     Breakers
	proxies      *ratelimit.TrustedProxies
	token        []byte
	logger       *logger.ComponentLogger
}

// Option configures optional parts of the API
type Option func(*API)

// WithBreakers lists breakers on /admin/status and enables
// POST /admin/breakers/:name/reset.
func WithBreakers(b Breakers) Option {
	return func(a *API) {
		a.breakers = b
	}
}

// WithTrustedProxies sets the peers allowed to forward a client address.
// Without it admin callers are identified by their connection address.
func WithTrustedProxies(p *ratelimit.TrustedProxies) Option {
	return func(a *API) {
		a.proxies = p
	}
}

// New builds the admin API. Every route requires the static bearer token
// and is charged against the admin scope.
func New(token string, limiter *ratelimit.Limiter, coordination Coordination, opts ...Option) (*API, error) {
	if token == "" {
		return nil, errors.New("admin token must not be empty")
	}

	a := &API{
		engine:       gin.New(),
		limiter:      limiter,
		coordination: coordination,
		token:        []byte(token),
		logger:       logger.Get().WithComponent("admin"),
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.engine.SetTrustedProxies(a.proxies.Strings()); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}

	identity := ratelimit.NewIdentityResolver(ratelimit.DefaultAPIKeyHeader, a.proxies)
	a.engine.Use(gin.Recovery(), a.logRequests())
	group := a.engine.Group("/admin")
	// Limit before authenticating so token guessing is throttled too
	group.Use(ginlimit.Middleware(ratelimit.NewHTTPLimiter(limiter,
		ratelimit.WithScope(Scope),
		ratelimit.WithIdentifier(identity.Identify),
	)))
	group.Use(a.requireToken())

	group.GET("/status", a.status)
	group.GET("/buckets/:scope/:id", a.getBucket)
	group.DELETE("/buckets/:scope/:id", a.resetBucket)
	if a.breakers != nil {
		group.POST("/breakers/:name/reset", a.resetBreaker)
	}

	return a, nil
}

// ServeHTTP implements http.Handler
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.engine.ServeHTTP(w, r)
}

func (a *API) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.BearerToken(c.Request)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), a.token) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "A valid admin bearer token is required",
			})
			return
		}
		c.Next()
	}
}

func (a *API) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		a.logger.Info("admin request", logger.Fields{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_ip":   c.ClientIP(),
		})
	}
}

type scopeView struct {
	Capacity         int     `json:"capacity"`
	RefillRate       float64 `json:"refill_rate"`
	RefillIntervalMs int64   `json:"refill_interval_ms"`
	FallbackMode     string  `json:"fallback_mode"`
}

type breakerView struct {
	Name            string     `json:"name"`
	State           string     `json:"state"`
	Failures        int        `json:"consecutive_failures"`
	LastFailure     *time.Time `json:"last_failure,omitempty"`
	LastStateChange time.Time  `json:"last_state_change"`
}

type statusView struct {
	State      string               `json:"state"`
	Ready      bool                 `json:"ready"`
	Generation uint64               `json:"generation"`
	Fallback   bool                 `json:"fallback"`
	Scopes     map[string]scopeView `json:"scopes"`
	Breakers   []breakerView        `json:"breakers,omitempty"`
}

func (a *API) status(c *gin.Context) {
	state := a.coordination.State()
	policies := a.limiter.Policies()

	view := statusView{
		State:      state.String(),
		Ready:      state == ratelimit.StateReady,
		Generation: a.coordination.Generation(),
		Fallback:   a.limiter.InFallback(),
		Scopes:     make(map[string]scopeView, len(policies)),
	}
	for name, p := range policies {
		view.Scopes[name] = scopeView{
			Capacity:         p.Capacity,
			RefillRate:       p.RefillRate,
			RefillIntervalMs: p.RefillInterval.Milliseconds(),
			FallbackMode:     string(p.FallbackMode),
		}
	}
	if a.breakers != nil {
		for _, st := range a.breakers.GetStats() {
			bv := breakerView{
				Name:            st.Name,
				State:           st.State.String(),
				Failures:        st.Failures,
				LastStateChange: st.LastStateChange,
			}
			if !st.LastFailureTime.IsZero() {
				last := st.LastFailureTime
				bv.LastFailure = &last
			}
			view.Breakers = append(view.Breakers, bv)
		}
	}

	c.JSON(http.StatusOK, view)
}

func (a *API) resetBreaker(c *gin.Context) {
	name := c.Param("name")
	if err := a.breakers.Reset(name); err != nil {
		if errors.Is(err, circuitbreaker.ErrBreakerNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "unknown_breaker",
				"message": "No circuit breaker named " + name,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reset_failed",
			"message": err.Error(),
		})
		return
	}

	a.logger.Info("circuit breaker reset by operator", logger.Fields{"name": name})
	c.Status(http.StatusNoContent)
}

type bucketView struct {
	Scope      string  `json:"scope"`
	Identifier string  `json:"identifier"`
	Tokens     float64 `json:"tokens"`
	Capacity   int     `json:"capacity"`
	LastRefill float64 `json:"last_refill_ms"`
	Source     string  `json:"source"`
}

// policyFor answers 404 itself when the scope is unknown
func (a *API) policyFor(c *gin.Context) (ratelimit.Policy, bool) {
	p, ok := a.limiter.Policies()[c.Param("scope")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_scope",
			"message": "No rate limit scope named " + c.Param("scope"),
		})
	}
	return p, ok
}

func (a *API) getBucket(c *gin.Context) {
	policy, ok := a.policyFor(c)
	if !ok {
		return
	}
	scope, id := c.Param("scope"), c.Param("id")

	state, found, source, err := a.limiter.Peek(c.Request.Context(), scope, id)
	if err != nil {
		a.logger.Error("bucket lookup failed", logger.Fields{
			"scope": scope,
			"error": err.Error(),
		})
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "Bucket state could not be read",
		})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "bucket_not_found",
			"message": "No bucket exists for this identifier",
		})
		return
	}

	c.JSON(http.StatusOK, bucketView{
		Scope:      scope,
		Identifier: id,
		Tokens:     state.Tokens,
		Capacity:   policy.Capacity,
		LastRefill: state.LastRefill,
		Source:     string(source),
	})
}

func (a *API) resetBucket(c *gin.Context) {
	if _, ok := a.policyFor(c); !ok {
		return
	}
	scope, id := c.Param("scope"), c.Param("id")

	if err := a.limiter.Reset(c.Request.Context(), scope, id); err != nil {
		a.logger.Error("bucket reset failed", logger.Fields{
			"scope": scope,
			"error": err.Error(),
		})
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "Bucket could not be reset",
		})
		return
	}

	a.logger.Info("bucket reset", logger.Fields{
		"scope":      scope,
		"identifier": id,
	})
	c.Status(http.StatusNoContent)
}
