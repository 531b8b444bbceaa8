package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/maltehedderich/weather-gateway/internal/config"
	"github.com/maltehedderich/weather-gateway/internal/logger"
	"github.com/maltehedderich/weather-gateway/internal/ratelimit"
)

var (
	// ErrNoRoute is returned when no route pattern matches the path
	ErrNoRoute = errors.New("no route found")
	// ErrMethodNotAllowed is returned when a pattern matches but the method does not
	ErrMethodNotAllowed = errors.New("method not allowed")
)

var (
	paramExtractRegex = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)
	paramReplaceRegex = regexp.MustCompile(`\\\{[a-zA-Z_][a-zA-Z0-9_]*\\\}`)
)

// Router maps inbound requests onto upstream weather endpoints
type Router struct {
	routes       []*Route
	defaultScope string
	mu           sync.RWMutex
	logger       *logger.ComponentLogger
}

// Route represents a configured route with compiled pattern
type Route struct {
	PathPattern   string
	CompiledRegex *regexp.Regexp
	Methods       map[string]bool
	Scope         string
	UpstreamPath  string
	Timeout       time.Duration
	Cost          ratelimit.CostFunc
	Priority      int // Lower number = higher priority
	ParamNames    []string
}

// Match represents a successful route match with extracted parameters
type Match struct {
	Route  *Route
	Params map[string]string
}

// New creates a router. Routes without a scope are charged against defaultScope.
func New(defaultScope string) *Router {
	return &Router{
		routes:       make([]*Route, 0),
		defaultScope: defaultScope,
		logger:       logger.Get().WithComponent("router"),
	}
}

// LoadRoutes loads routes from configuration
func (r *Router) LoadRoutes(routes []config.RouteConfig) error {
	compiled := make([]*Route, 0, len(routes))
	for i, routeConfig := range routes {
		route, err := r.compileRoute(routeConfig)
		if err != nil {
			return fmt.Errorf("failed to compile route %d (%s): %w", i, routeConfig.PathPattern, err)
		}
		compiled = append(compiled, route)
	}

	// Stable so equally specific routes keep their configured order
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].Priority < compiled[j].Priority
	})

	r.mu.Lock()
	r.routes = compiled
	r.mu.Unlock()

	r.logger.Info("routes loaded", logger.Fields{
		"count": len(compiled),
	})

	return nil
}

// compileRoute compiles a route configuration into a Route
func (r *Router) compileRoute(cfg config.RouteConfig) (*Route, error) {
	pattern, paramNames := patternToRegex(cfg.PathPattern)

	compiledRegex, err := regexp.Compile("^" + pattern + "$")
	if err != nil {
		return nil, fmt.Errorf("invalid path pattern: %w", err)
	}

	methods := make(map[string]bool, len(cfg.Methods))
	for _, method := range cfg.Methods {
		methods[strings.ToUpper(method)] = true
	}

	scope := cfg.Scope
	if scope == "" {
		scope = r.defaultScope
	}

	return &Route{
		PathPattern:   cfg.PathPattern,
		CompiledRegex: compiledRegex,
		Methods:       methods,
		Scope:         scope,
		UpstreamPath:  cfg.UpstreamPath,
		Timeout:       cfg.Timeout,
		Cost:          ratelimit.QueryCost(cfg.Cost.Base, cfg.Cost.Param),
		Priority:      calculatePriority(cfg.PathPattern),
		ParamNames:    paramNames,
	}, nil
}

// patternToRegex converts a path pattern to a regex pattern
// Supports:
// - Exact match: /v1/weather/current
// - Named parameters: /v1/weather/{location}
// - Wildcards: /v1/weather/*
// - Prefix match: /v1/**
func patternToRegex(pattern string) (string, []string) {
	paramNames := make([]string, 0)
	for _, match := range paramExtractRegex.FindAllStringSubmatch(pattern, -1) {
		paramNames = append(paramNames, match[1])
	}

	// QuoteMeta escapes the braces and stars, so substitute the escaped forms
	result := regexp.QuoteMeta(pattern)
	result = paramReplaceRegex.ReplaceAllString(result, `([^/]+)`)
	result = strings.ReplaceAll(result, `\*\*`, `.*`)
	result = strings.ReplaceAll(result, `\*`, `[^/]*`)

	return result, paramNames
}

// calculatePriority calculates route priority based on pattern specificity
// Lower number = higher priority
// Priority order:
// 1. Exact matches (no parameters or wildcards)
// 2. Paths with parameters
// 3. Paths with single wildcards
// 4. Paths with double wildcards
func calculatePriority(pattern string) int {
	// Longer patterns are more specific
	priority := 1000 - len(pattern)

	if strings.Contains(pattern, "**") {
		priority += 10000
	} else if strings.Contains(pattern, "*") {
		priority += 5000
	}

	priority += strings.Count(pattern, "{") * 1000

	return priority
}

// Match finds a matching route for the given request
func (r *Router) Match(req *http.Request) (*Match, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	path := req.URL.Path
	method := req.Method
	pathMatched := false

	for _, route := range r.routes {
		matches := route.CompiledRegex.FindStringSubmatch(path)
		if matches == nil {
			continue
		}
		if !route.Methods[method] {
			pathMatched = true
			continue
		}

		params := make(map[string]string, len(route.ParamNames))
		for i, paramName := range route.ParamNames {
			if i+1 < len(matches) {
				params[paramName] = matches[i+1]
			}
		}

		r.logger.Debug("route matched", logger.Fields{
			"path":    path,
			"method":  method,
			"pattern": route.PathPattern,
			"scope":   route.Scope,
		})

		return &Match{Route: route, Params: params}, nil
	}

	if pathMatched {
		return nil, fmt.Errorf("%w: %s %s", ErrMethodNotAllowed, method, path)
	}
	return nil, fmt.Errorf("%w for %s %s", ErrNoRoute, method, path)
}

// GetRoutes returns all registered routes
func (r *Router) GetRoutes() []*Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make([]*Route, len(r.routes))
	copy(routes, r.routes)
	return routes
}

// Endpoints maps every route pattern onto its scope, for the limiter's
// endpoint table.
func (r *Router) Endpoints() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.routes))
	for _, route := range r.routes {
		out[route.PathPattern] = route.Scope
	}
	return out
}

type contextKey struct{}

type lookup struct {
	match *Match
	err   error
}

// Middleware matches each request once and stores the outcome in its
// context. Unmatched requests pass through; the final handler decides
// how to answer them.
func (r *Router) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			m, err := r.Match(req)
			ctx := context.WithValue(req.Context(), contextKey{}, &lookup{match: m, err: err})
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

// FromContext returns the match stored by Middleware. The error is
// ErrNoRoute or ErrMethodNotAllowed when nothing matched.
func FromContext(ctx context.Context) (*Match, error) {
	l, ok := ctx.Value(contextKey{}).(*lookup)
	if !ok {
		return nil, ErrNoRoute
	}
	return l.match, l.err
}

// Endpoint names the limiter endpoint of a request: its route pattern,
// or the default scope for requests that matched nothing.
func (r *Router) Endpoint(req *http.Request) string {
	if m, err := FromContext(req.Context()); err == nil {
		return m.Route.PathPattern
	}
	return r.defaultScope
}

// Cost returns the token cost of a request under its route
func Cost(req *http.Request) float64 {
	if m, err := FromContext(req.Context()); err == nil && m.Route.Cost != nil {
		return m.Route.Cost(req)
	}
	return 1
}

// Label returns a bounded label for metrics and span names
func Label(req *http.Request) string {
	if m, err := FromContext(req.Context()); err == nil {
		return m.Route.PathPattern
	}
	return "unmatched"
}

// SpanName names server spans after the matched route
func SpanName(req *http.Request) string {
	return req.Method + " " + Label(req)
}
