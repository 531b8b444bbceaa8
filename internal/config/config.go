package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Fallback modes applied when neither bucket store can answer
const (
	FallbackStrict     = "strict"
	FallbackPermissive = "permissive"
)

// Coordination store backends
const (
	BackendRedis    = "redis"
	BackendDynamoDB = "dynamodb"
)

// AdminScope is the rate limit scope the admin API charges its callers to
const AdminScope = "admin"

// Config represents the complete gateway configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Coordination  CoordinationConfig  `yaml:"coordination" json:"coordination"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit" json:"rate_limit"`
	Auth          AuthConfig          `yaml:"auth" json:"auth"`
	Upstream      UpstreamConfig      `yaml:"upstream" json:"upstream"`
	Routes        []RouteConfig       `yaml:"routes" json:"routes"`
	Admin         AdminConfig         `yaml:"admin" json:"admin"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" json:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" json:"max_header_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	// TrustedProxies lists CIDRs or addresses allowed to set
	// X-Forwarded-For and X-Real-IP. Empty trusts no one.
	TrustedProxies []string `yaml:"trusted_proxies" json:"trusted_proxies"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level            string            `yaml:"level" json:"level"`
	Format           string            `yaml:"format" json:"format"` // json or text
	Output           string            `yaml:"output" json:"output"` // stdout, stderr, or file path
	SanitizePatterns []string          `yaml:"sanitize_patterns" json:"sanitize_patterns"`
	ComponentLevels  map[string]string `yaml:"component_levels" json:"component_levels"`
}

// CoordinationConfig describes the shared store that holds bucket state
// for every gateway instance, and how the connection to it is supervised.
type CoordinationConfig struct {
	Backend          string        `yaml:"backend" json:"backend"` // redis or dynamodb
	RedisHost        string        `yaml:"redis_host" json:"redis_host"`
	RedisPort        int           `yaml:"redis_port" json:"redis_port"`
	RedisPassword    string        `yaml:"redis_password" json:"redis_password"`
	RedisDB          int           `yaml:"redis_db" json:"redis_db"`
	DialTimeout      time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	OperationTimeout time.Duration `yaml:"operation_timeout" json:"operation_timeout"`
	ProbeInterval    time.Duration `yaml:"probe_interval" json:"probe_interval"`
	BackoffInitial   time.Duration `yaml:"backoff_initial" json:"backoff_initial"`
	BackoffMax       time.Duration `yaml:"backoff_max" json:"backoff_max"`
	DynamoDBTable    string        `yaml:"dynamodb_table" json:"dynamodb_table"`
	DynamoDBRegion   string        `yaml:"dynamodb_region" json:"dynamodb_region"`
	DynamoDBEndpoint string        `yaml:"dynamodb_endpoint" json:"dynamodb_endpoint"`
	EventsChannel    string        `yaml:"events_channel" json:"events_channel"` // empty disables the pub/sub relay
}

// RedisAddr returns host:port for the Redis client
func (c CoordinationConfig) RedisAddr() string {
	return net.JoinHostPort(c.RedisHost, strconv.Itoa(c.RedisPort))
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled          bool                   `yaml:"enabled" json:"enabled"`
	DefaultScope     string                 `yaml:"default_scope" json:"default_scope"`
	Scopes           map[string]ScopeConfig `yaml:"scopes" json:"scopes"`
	BreakerThreshold int                    `yaml:"breaker_threshold" json:"breaker_threshold"`
	BreakerCooldown  time.Duration          `yaml:"breaker_cooldown" json:"breaker_cooldown"`
}

// ScopeConfig is the bucket policy for one independent limiter namespace
type ScopeConfig struct {
	Capacity         int     `yaml:"capacity" json:"capacity"`
	RefillRate       float64 `yaml:"refill_rate" json:"refill_rate"` // tokens per refill interval
	RefillIntervalMs int     `yaml:"refill_interval_ms" json:"refill_interval_ms"`
	FallbackMode     string  `yaml:"fallback_mode" json:"fallback_mode"` // strict or permissive
}

// AuthConfig controls how callers are identified for quota purposes
type AuthConfig struct {
	APIKeyHeader string `yaml:"api_key_header" json:"api_key_header"`
	JWTSecret    string `yaml:"jwt_secret" json:"jwt_secret"`
	JWTAlgorithm string `yaml:"jwt_algorithm" json:"jwt_algorithm"`
}

// UpstreamConfig describes the metered weather provider
type UpstreamConfig struct {
	BaseURL     string        `yaml:"base_url" json:"base_url"`
	APIKey      string        `yaml:"api_key" json:"api_key"`
	APIKeyParam string        `yaml:"api_key_param" json:"api_key_param"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries  int           `yaml:"max_retries" json:"max_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay" json:"retry_delay"`
}

// RouteConfig maps an inbound path onto an upstream endpoint and its cost
type RouteConfig struct {
	PathPattern  string        `yaml:"path_pattern" json:"path_pattern"`
	Methods      []string      `yaml:"methods" json:"methods"`
	Scope        string        `yaml:"scope" json:"scope"`
	UpstreamPath string        `yaml:"upstream_path" json:"upstream_path"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	Cost         CostConfig    `yaml:"cost" json:"cost"`
}

// CostConfig computes a request's token cost as Base * max(1, query[Param])
type CostConfig struct {
	Base  float64 `yaml:"base" json:"base"`
	Param string  `yaml:"param" json:"param"`
}

// AdminConfig contains the operator API configuration
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Token   string `yaml:"token" json:"token"`
}

// ObservabilityConfig contains observability configuration
type ObservabilityConfig struct {
	MetricsEnabled  bool    `yaml:"metrics_enabled" json:"metrics_enabled"`
	MetricsPath     string  `yaml:"metrics_path" json:"metrics_path"`
	HealthPath      string  `yaml:"health_path" json:"health_path"`
	ReadinessPath   string  `yaml:"readiness_path" json:"readiness_path"`
	LivenessPath    string  `yaml:"liveness_path" json:"liveness_path"`
	TracingEnabled  bool    `yaml:"tracing_enabled" json:"tracing_enabled"`
	TracingEndpoint string  `yaml:"tracing_endpoint" json:"tracing_endpoint"`
	ServiceName     string  `yaml:"service_name" json:"service_name"`
	Environment     string  `yaml:"environment" json:"environment"`
	SampleRate      float64 `yaml:"sample_rate" json:"sample_rate"`
}

// Load loads configuration from file with environment variable overrides
func Load(configPath string) (*Config, error) {
	cfg := &Config{}
	cfg.setDefaults()

	if configPath != "" {
		if err := loadFromFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	c.Server.HTTPPort = 8080
	c.Server.ReadTimeout = 30 * time.Second
	c.Server.WriteTimeout = 30 * time.Second
	c.Server.IdleTimeout = 120 * time.Second
	c.Server.MaxHeaderBytes = 1 << 20 // 1 MB
	c.Server.ShutdownTimeout = 30 * time.Second

	c.Logging.Level = "info"
	c.Logging.Format = "json"
	c.Logging.Output = "stdout"

	c.Coordination.Backend = BackendRedis
	c.Coordination.RedisHost = "localhost"
	c.Coordination.RedisPort = 6379
	c.Coordination.DialTimeout = 2 * time.Second
	c.Coordination.OperationTimeout = 250 * time.Millisecond
	c.Coordination.ProbeInterval = 5 * time.Second
	c.Coordination.BackoffInitial = 200 * time.Millisecond
	c.Coordination.BackoffMax = 30 * time.Second

	c.RateLimit.Enabled = true
	c.RateLimit.DefaultScope = "weather"
	c.RateLimit.Scopes = map[string]ScopeConfig{
		"weather":  {Capacity: 60, RefillRate: 1, RefillIntervalMs: 1000, FallbackMode: FallbackPermissive},
		AdminScope: {Capacity: 30, RefillRate: 0.5, RefillIntervalMs: 1000, FallbackMode: FallbackStrict},
	}
	c.RateLimit.BreakerThreshold = 5
	c.RateLimit.BreakerCooldown = 10 * time.Second

	c.Auth.APIKeyHeader = "X-API-Key"
	c.Auth.JWTAlgorithm = "HS256"

	c.Upstream.BaseURL = "https://api.weatherapi.com/v1"
	c.Upstream.APIKeyParam = "key"
	c.Upstream.Timeout = 10 * time.Second
	c.Upstream.MaxRetries = 2
	c.Upstream.RetryDelay = 100 * time.Millisecond

	c.Routes = []RouteConfig{
		{
			PathPattern:  "/v1/weather/current",
			Methods:      []string{"GET"},
			Scope:        "weather",
			UpstreamPath: "/current.json",
			Cost:         CostConfig{Base: 1},
		},
		{
			PathPattern:  "/v1/weather/forecast",
			Methods:      []string{"GET"},
			Scope:        "weather",
			UpstreamPath: "/forecast.json",
			Cost:         CostConfig{Base: 1, Param: "days"},
		},
	}

	c.Admin.Port = 9091

	c.Observability.MetricsEnabled = true
	c.Observability.MetricsPath = "/metrics"
	c.Observability.HealthPath = "/_health"
	c.Observability.ReadinessPath = "/_health/ready"
	c.Observability.LivenessPath = "/_health/live"
	c.Observability.ServiceName = "weather-gateway"
	c.Observability.Environment = "dev"
	c.Observability.SampleRate = 1.0
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive")
	}
	for _, entry := range c.Server.TrustedProxies {
		if _, err := netip.ParsePrefix(entry); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(entry); err != nil {
			return fmt.Errorf("invalid trusted proxy %q: must be a CIDR or IP address", entry)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be 'json' or 'text')", c.Logging.Format)
	}

	if err := c.Coordination.validate(); err != nil {
		return err
	}

	if c.RateLimit.Enabled {
		if err := c.RateLimit.validate(); err != nil {
			return err
		}
	}

	switch c.Auth.JWTAlgorithm {
	case "HS256", "HS384", "HS512":
	default:
		return fmt.Errorf("invalid JWT algorithm: %s (must be HS256, HS384 or HS512)", c.Auth.JWTAlgorithm)
	}

	if len(c.Routes) > 0 {
		if _, err := url.ParseRequestURI(c.Upstream.BaseURL); err != nil {
			return fmt.Errorf("invalid upstream base URL %q: %w", c.Upstream.BaseURL, err)
		}
		if c.Upstream.MaxRetries < 0 {
			return fmt.Errorf("upstream max retries must not be negative")
		}
	}

	for i, route := range c.Routes {
		if route.PathPattern == "" {
			return fmt.Errorf("route %d: path pattern is required", i)
		}
		if len(route.Methods) == 0 {
			return fmt.Errorf("route %d: at least one HTTP method is required", i)
		}
		if route.UpstreamPath == "" {
			return fmt.Errorf("route %d: upstream path is required", i)
		}
		if route.Cost.Base < 0 {
			return fmt.Errorf("route %d: cost base must not be negative", i)
		}
		if c.RateLimit.Enabled && route.Scope != "" {
			if _, ok := c.RateLimit.Scopes[route.Scope]; !ok {
				return fmt.Errorf("route %d: unknown rate limit scope %q", i, route.Scope)
			}
		}
	}

	if c.Admin.Enabled {
		if c.Admin.Port <= 0 || c.Admin.Port > 65535 {
			return fmt.Errorf("invalid admin port: %d", c.Admin.Port)
		}
		if c.Admin.Port == c.Server.HTTPPort {
			return fmt.Errorf("admin port must differ from HTTP port")
		}
		if c.Admin.Token == "" {
			return fmt.Errorf("admin API enabled but token not specified")
		}
		if c.RateLimit.Enabled {
			if _, ok := c.RateLimit.Scopes[AdminScope]; !ok {
				return fmt.Errorf("admin API enabled but rate limit scope %q not configured", AdminScope)
			}
		}
	}

	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		return fmt.Errorf("invalid trace sample rate: %v (must be between 0 and 1)", c.Observability.SampleRate)
	}

	return nil
}

func (c CoordinationConfig) validate() error {
	switch c.Backend {
	case BackendRedis:
		if c.RedisHost == "" {
			return fmt.Errorf("coordination backend is redis but redis host not specified")
		}
		if c.RedisPort <= 0 || c.RedisPort > 65535 {
			return fmt.Errorf("invalid redis port: %d", c.RedisPort)
		}
	case BackendDynamoDB:
		if c.DynamoDBTable == "" || c.DynamoDBRegion == "" {
			return fmt.Errorf("coordination backend is dynamodb but table or region not specified")
		}
	default:
		return fmt.Errorf("invalid coordination backend: %s (must be 'redis' or 'dynamodb')", c.Backend)
	}

	if c.OperationTimeout <= 0 {
		return fmt.Errorf("coordination operation timeout must be positive")
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("coordination probe interval must be positive")
	}
	if c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("invalid reconnect backoff: initial %s, max %s", c.BackoffInitial, c.BackoffMax)
	}
	return nil
}

func (c RateLimitConfig) validate() error {
	if len(c.Scopes) == 0 {
		return fmt.Errorf("rate limiting enabled but no scopes configured")
	}
	for name, scope := range c.Scopes {
		if name == "" {
			return fmt.Errorf("rate limit scope name must not be empty")
		}
		if scope.Capacity <= 0 {
			return fmt.Errorf("scope %s: capacity must be positive, got %d", name, scope.Capacity)
		}
		if scope.RefillRate <= 0 {
			return fmt.Errorf("scope %s: refill rate must be positive, got %v", name, scope.RefillRate)
		}
		if scope.RefillIntervalMs <= 0 {
			return fmt.Errorf("scope %s: refill interval must be positive, got %d", name, scope.RefillIntervalMs)
		}
		if scope.FallbackMode != FallbackStrict && scope.FallbackMode != FallbackPermissive {
			return fmt.Errorf("scope %s: invalid fallback mode %q (must be 'strict' or 'permissive')", name, scope.FallbackMode)
		}
	}
	if _, ok := c.Scopes[c.DefaultScope]; !ok {
		return fmt.Errorf("default scope %q is not configured", c.DefaultScope)
	}
	if c.BreakerThreshold <= 0 {
		return fmt.Errorf("breaker threshold must be positive")
	}
	if c.BreakerCooldown <= 0 {
		return fmt.Errorf("breaker cooldown must be positive")
	}
	return nil
}

// loadFromFile loads configuration from a file (YAML or JSON)
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
// Environment variables are prefixed with WEATHER_GATEWAY_.
func applyEnvOverrides(cfg *Config) error {
	prefix := "WEATHER_GATEWAY_"

	if val := os.Getenv(prefix + "HTTP_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid HTTP_PORT: %w", err)
		}
		cfg.Server.HTTPPort = port
	}

	if val := os.Getenv(prefix + "TRUSTED_PROXIES"); val != "" {
		cfg.Server.TrustedProxies = nil
		for _, entry := range strings.Split(val, ",") {
			if entry = strings.TrimSpace(entry); entry != "" {
				cfg.Server.TrustedProxies = append(cfg.Server.TrustedProxies, entry)
			}
		}
	}
	if val := os.Getenv(prefix + "LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv(prefix + "LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}
	if val := os.Getenv(prefix + "LOG_OUTPUT"); val != "" {
		cfg.Logging.Output = val
	}

	if val := os.Getenv(prefix + "COORDINATION_BACKEND"); val != "" {
		cfg.Coordination.Backend = val
	}
	if val := os.Getenv(prefix + "REDIS_HOST"); val != "" {
		cfg.Coordination.RedisHost = val
	}
	if val := os.Getenv(prefix + "REDIS_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.Coordination.RedisPort = port
	}
	if val := os.Getenv(prefix + "REDIS_PASSWORD"); val != "" {
		cfg.Coordination.RedisPassword = val
	}
	if val := os.Getenv(prefix + "DYNAMODB_TABLE"); val != "" {
		cfg.Coordination.DynamoDBTable = val
	}
	if val := os.Getenv(prefix + "DYNAMODB_REGION"); val != "" {
		cfg.Coordination.DynamoDBRegion = val
	}

	if val := os.Getenv(prefix + "RATELIMIT_ENABLED"); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid RATELIMIT_ENABLED: %w", err)
		}
		cfg.RateLimit.Enabled = enabled
	}

	if val := os.Getenv(prefix + "JWT_SECRET"); val != "" {
		cfg.Auth.JWTSecret = val
	}
	if val := os.Getenv(prefix + "UPSTREAM_API_KEY"); val != "" {
		cfg.Upstream.APIKey = val
	}
	if val := os.Getenv(prefix + "ADMIN_TOKEN"); val != "" {
		cfg.Admin.Token = val
	}

	return nil
}
