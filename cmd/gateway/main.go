package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/maltehedderich/weather-gateway/internal/admin"
	"github.com/maltehedderich/weather-gateway/internal/auth"
	"github.com/maltehedderich/weather-gateway/internal/circuitbreaker"
	"github.com/maltehedderich/weather-gateway/internal/config"
	"github.com/maltehedderich/weather-gateway/internal/events"
	"github.com/maltehedderich/weather-gateway/internal/health"
	"github.com/maltehedderich/weather-gateway/internal/logger"
	"github.com/maltehedderich/weather-gateway/internal/metrics"
	"github.com/maltehedderich/weather-gateway/internal/proxy"
	"github.com/maltehedderich/weather-gateway/internal/ratelimit"
	"github.com/maltehedderich/weather-gateway/internal/router"
	"github.com/maltehedderich/weather-gateway/internal/server"
	"github.com/maltehedderich/weather-gateway/internal/tracing"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	version    = "1.0.0"
	buildTime  = "unknown"
	gitCommit  = "unknown"
)

func main() {
	flag.Parse()

	fmt.Printf("Weather Gateway v%s (commit: %s, built: %s)\n", version, gitCommit, buildTime)

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	closeLog, err := setupLogging(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	log := logger.Get().WithComponent("main")
	log.Info("starting weather gateway", logger.Fields{
		"version":    version,
		"git_commit": gitCommit,
		"build_time": buildTime,
	})

	if err := run(cfg, log); err != nil {
		log.Error("gateway stopped with error", logger.Fields{
			"error": err.Error(),
		})
		os.Exit(1)
	}

	log.Info("weather gateway stopped")
}

// setupLogging initializes the global logger from cfg
func setupLogging(cfg config.LoggingConfig) (func(), error) {
	logLevel, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	closeFn := func() {}
	var logOutput *os.File
	switch cfg.Output {
	case "stdout":
		logOutput = os.Stdout
	case "stderr":
		logOutput = os.Stderr
	default:
		logOutput, err = os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		closeFn = func() { _ = logOutput.Close() }
	}

	logger.Init(logLevel, cfg.Format, logOutput)

	if len(cfg.SanitizePatterns) > 0 {
		if err := logger.Get().SetSanitizePatterns(cfg.SanitizePatterns); err != nil {
			closeFn()
			return nil, fmt.Errorf("failed to set sanitize patterns: %w", err)
		}
	}

	log := logger.Get().WithComponent("main")
	for component, levelStr := range cfg.ComponentLevels {
		level, err := logger.ParseLevel(levelStr)
		if err != nil {
			log.Warn("invalid component log level", logger.Fields{
				"component": component,
				"level":     levelStr,
				"error":     err.Error(),
			})
			continue
		}
		logger.Get().SetComponentLevel(component, level)
	}

	return closeFn, nil
}

func run(cfg *config.Config, log *logger.ComponentLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	if err := tracing.Init(tracing.FromConfig(cfg.Observability, version)); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracing shutdown failed", logger.Fields{"error": err.Error()})
		}
	}()

	// Events. Each sink gets its own subscription so a slow relay cannot
	// cause lifecycle events to be dropped for the log and metrics sinks.
	bus := events.NewBus()
	defer bus.Close()
	detachLog := events.Attach(ctx, bus, 256, events.LogHandler(logger.Get().WithComponent("events")))
	defer detachLog()
	detachMetrics := events.Attach(ctx, bus, 64, events.MetricsHandler())
	defer detachMetrics()

	relayEnabled := cfg.Coordination.EventsChannel != "" && cfg.Coordination.Backend == config.BackendRedis
	if relayEnabled {
		relayClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Coordination.RedisAddr(),
			Password: cfg.Coordination.RedisPassword,
			DB:       cfg.Coordination.RedisDB,
		})
		defer relayClient.Close()
		detachRelay := events.Attach(ctx, bus, 256, events.NewRedisRelay(relayClient, cfg.Coordination.EventsChannel).Handle)
		defer detachRelay()
	}

	// Coordination store
	store, err := newDistributedStore(ctx, cfg.Coordination)
	if err != nil {
		return err
	}
	supervisor := ratelimit.NewSupervisor(store, bus, ratelimit.SupervisorConfig{
		ProbeInterval:  cfg.Coordination.ProbeInterval,
		ProbeTimeout:   cfg.Coordination.OperationTimeout * 4,
		ConnectTimeout: cfg.Coordination.DialTimeout,
		BackoffInitial: cfg.Coordination.BackoffInitial,
		BackoffMax:     cfg.Coordination.BackoffMax,
	})
	supervisor.Start(ctx)
	defer func() {
		if err := supervisor.Stop(); err != nil {
			log.Warn("supervisor stop failed", logger.Fields{"error": err.Error()})
		}
	}()

	// Routing and rate limiting
	rt := router.New(cfg.RateLimit.DefaultScope)
	if err := rt.LoadRoutes(cfg.Routes); err != nil {
		return fmt.Errorf("failed to load routes: %w", err)
	}
	for _, route := range rt.GetRoutes() {
		log.Debug("route registered", logger.Fields{
			"pattern":  route.PathPattern,
			"methods":  route.Methods,
			"scope":    route.Scope,
			"upstream": route.UpstreamPath,
		})
	}

	proxies, err := ratelimit.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return fmt.Errorf("invalid trusted proxies: %w", err)
	}

	// The coordination and upstream breakers share one registry so the
	// admin API can report and reset both.
	breakers := circuitbreaker.NewManager()

	local := ratelimit.NewMemoryStore()
	policies, err := ratelimit.PoliciesFromConfig(cfg.RateLimit)
	if err != nil {
		return fmt.Errorf("invalid rate limit policies: %w", err)
	}
	limiter, err := ratelimit.NewLimiter(ratelimit.Config{
		Scopes:           policies,
		Endpoints:        rt.Endpoints(),
		OperationTimeout: cfg.Coordination.OperationTimeout,
		BreakerThreshold: cfg.RateLimit.BreakerThreshold,
		BreakerCooldown:  cfg.RateLimit.BreakerCooldown,
		Breakers:         breakers,
	}, supervisor, local, bus)
	if err != nil {
		return fmt.Errorf("failed to create rate limiter: %w", err)
	}
	defer limiter.Close()

	// Upstream
	upstream, err := proxy.New(proxy.ConfigFromGateway(cfg), breakers)
	if err != nil {
		return fmt.Errorf("failed to create upstream proxy: %w", err)
	}

	var validator *auth.TokenValidator
	if cfg.Auth.JWTSecret != "" {
		validator, err = auth.NewTokenValidator(cfg.Auth)
		if err != nil {
			return fmt.Errorf("failed to create token validator: %w", err)
		}
	}

	healthMgr := health.NewManager()
	healthMgr.Register("coordination", health.CoordinationChecker(supervisor, func() string {
		return supervisor.State().String()
	}))
	healthMgr.Register("upstream", health.BreakerChecker(upstream.Breaker()))

	deps := server.Deps{
		Health:    healthMgr,
		Router:    rt,
		Upstream:  upstream,
		Limiter:   limiter,
		Validator: validator,
		Proxies:   proxies,
	}
	if cfg.Admin.Enabled {
		gin.SetMode(gin.ReleaseMode)
		api, err := admin.New(cfg.Admin.Token, limiter, supervisor,
			admin.WithBreakers(breakers),
			admin.WithTrustedProxies(proxies),
		)
		if err != nil {
			return fmt.Errorf("failed to create admin API: %w", err)
		}
		deps.Admin = api
	}

	log.Info("configuration loaded successfully", logger.Fields{
		"http_port":           cfg.Server.HTTPPort,
		"coordination":        cfg.Coordination.Backend,
		"rate_limit_enabled":  cfg.RateLimit.Enabled,
		"routes":              len(cfg.Routes),
		"admin_enabled":       cfg.Admin.Enabled,
		"jwt_identity":        validator != nil,
		"trusted_proxies":     len(cfg.Server.TrustedProxies),
		"events_relay_active": relayEnabled,
	})

	return server.New(cfg, deps).Start(ctx)
}

func newDistributedStore(ctx context.Context, cfg config.CoordinationConfig) (ratelimit.DistributedStore, error) {
	switch cfg.Backend {
	case config.BackendDynamoDB:
		store, err := ratelimit.NewDynamoDBStore(ctx, ratelimit.DynamoDBConfig{
			Table:            cfg.DynamoDBTable,
			Region:           cfg.DynamoDBRegion,
			Endpoint:         cfg.DynamoDBEndpoint,
			OperationTimeout: cfg.OperationTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create DynamoDB store: %w", err)
		}
		return store, nil
	default:
		return ratelimit.NewRedisStore(ratelimit.RedisConfig{
			Addr:             cfg.RedisAddr(),
			Password:         cfg.RedisPassword,
			DB:               cfg.RedisDB,
			DialTimeout:      cfg.DialTimeout,
			OperationTimeout: cfg.OperationTimeout,
		}), nil
	}
}
