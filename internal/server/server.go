package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/maltehedderich/weather-gateway/internal/auth"
	"github.com/maltehedderich/weather-gateway/internal/config"
	"github.com/maltehedderich/weather-gateway/internal/health"
	"github.com/maltehedderich/weather-gateway/internal/logger"
	"github.com/maltehedderich/weather-gateway/internal/metrics"
	"github.com/maltehedderich/weather-gateway/internal/middleware"
	"github.com/maltehedderich/weather-gateway/internal/ratelimit"
	"github.com/maltehedderich/weather-gateway/internal/router"
	"github.com/maltehedderich/weather-gateway/internal/tracing"
)

// Deps are the components the server routes requests through. Limiter,
// Validator, Admin and Proxies are optional.
type Deps struct {
	Health    *health.Manager
	Router    *router.Router
	Upstream  http.Handler
	Limiter   *ratelimit.Limiter
	Validator *auth.TokenValidator
	Admin     http.Handler
	Proxies   *ratelimit.TrustedProxies
}

// Server represents the gateway's HTTP listeners
type Server struct {
	config      *config.Config
	deps        Deps
	handler     http.Handler
	httpServer  *http.Server
	adminServer *http.Server
	logger      *logger.ComponentLogger
}

// New creates a new server instance
func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		config: cfg,
		deps:   deps,
		logger: logger.Get().WithComponent("server"),
	}
	s.handler = s.setupRouter()
	return s
}

// Handler returns the gateway's root handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", s.config.Server.HTTPPort),
		Handler:        s.handler,
		ReadTimeout:    s.config.Server.ReadTimeout,
		WriteTimeout:   s.config.Server.WriteTimeout,
		IdleTimeout:    s.config.Server.IdleTimeout,
		MaxHeaderBytes: s.config.Server.MaxHeaderBytes,
	}

	if s.deps.Admin != nil {
		s.adminServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", s.config.Admin.Port),
			Handler:      s.deps.Admin,
			ReadTimeout:  s.config.Server.ReadTimeout,
			WriteTimeout: s.config.Server.WriteTimeout,
			IdleTimeout:  s.config.Server.IdleTimeout,
		}
	}

	errChan := make(chan error, 2)

	go func() {
		s.logger.Info("starting HTTP server", logger.Fields{
			"port": s.config.Server.HTTPPort,
		})
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	if s.adminServer != nil {
		go func() {
			s.logger.Info("starting admin server", logger.Fields{
				"port": s.config.Admin.Port,
			})
			if err := s.adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("admin server error: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case runErr = <-errChan:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("server shutdown error", logger.Fields{
			"error": err.Error(),
		})
		if runErr == nil {
			runErr = err
		}
	}

	s.logger.Info("server shutdown complete")
	return runErr
}

// setupRouter wires the operational endpoints and the rate limited
// proxy chain
func (s *Server) setupRouter() http.Handler {
	obs := s.config.Observability
	mux := http.NewServeMux()

	// Probes and scrapes are never rate limited
	mux.HandleFunc(obs.HealthPath, s.deps.Health.HealthHandler())
	mux.HandleFunc(obs.ReadinessPath, s.deps.Health.ReadinessHandler())
	mux.HandleFunc(obs.LivenessPath, s.deps.Health.LivenessHandler())
	if obs.MetricsEnabled {
		mux.Handle(obs.MetricsPath, metrics.Handler())
	}

	chain := middleware.NewChain(
		s.deps.Router.Middleware(),
		tracing.Middleware(router.SpanName),
		metrics.Middleware(obs.MetricsPath, router.Label),
		middleware.Logging(s.deps.Proxies.ClientIP, s.config.Upstream.APIKeyParam, "key", "api_key"),
		middleware.Security(nil),
	)
	if s.deps.Validator != nil {
		chain = chain.Append(auth.Middleware(s.deps.Validator))
	}
	if s.deps.Limiter != nil && s.config.RateLimit.Enabled {
		identity := ratelimit.NewIdentityResolver(s.config.Auth.APIKeyHeader, s.deps.Proxies)
		chain = chain.Append(ratelimit.Middleware(s.deps.Limiter,
			ratelimit.WithIdentifier(identity.Identify),
			ratelimit.WithEndpoint(s.deps.Router.Endpoint),
			ratelimit.WithCost(router.Cost),
		))
	}
	mux.Handle("/", chain.Then(s.deps.Upstream))

	return middleware.NewChain(
		middleware.Recovery(),
		middleware.CorrelationID(),
	).Then(mux)
}

// Shutdown gracefully shuts down the listeners
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating server shutdown")

	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown HTTP server: %w", err))
		}
	}
	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown admin server: %w", err))
		}
	}

	return errors.Join(errs...)
}
