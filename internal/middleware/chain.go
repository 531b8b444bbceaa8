package middleware

import (
	"net/http"
)

// Middleware wraps an http.Handler and returns a new http.Handler
type Middleware func(http.Handler) http.Handler

// Chain represents a chain of middleware
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a new middleware chain
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{middlewares: middlewares}
}

// Then chains the middleware and returns the final handler. The first
// middleware in the chain is the outermost.
func (c *Chain) Then(h http.Handler) http.Handler {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}
	return h
}

// Append returns a new chain with middlewares added to the end
func (c *Chain) Append(middlewares ...Middleware) *Chain {
	out := make([]Middleware, 0, len(c.middlewares)+len(middlewares))
	out = append(out, c.middlewares...)
	out = append(out, middlewares...)
	return &Chain{middlewares: out}
}
