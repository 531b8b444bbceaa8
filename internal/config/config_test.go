package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  http_port: 9000
logging:
  level: debug
  format: json
coordination:
  backend: redis
  redis_host: redis.internal
  redis_port: 6380
  operation_timeout: 100ms
rate_limit:
  enabled: true
  default_scope: forecast
  scopes:
    forecast:
      capacity: 10
      refill_rate: 1
      refill_interval_ms: 1000
      fallback_mode: strict
routes:
  - path_pattern: /v1/weather/forecast
    methods: [GET]
    scope: forecast
    upstream_path: /forecast.json
    cost:
      base: 1
      param: days
`

	if err := os.WriteFile(configFile, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.HTTPPort != 9000 {
		t.Errorf("Expected HTTP port 9000, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected log level debug, got %s", cfg.Logging.Level)
	}
	if got := cfg.Coordination.RedisAddr(); got != "redis.internal:6380" {
		t.Errorf("Expected redis addr redis.internal:6380, got %s", got)
	}
	if cfg.Coordination.OperationTimeout != 100*time.Millisecond {
		t.Errorf("Expected operation timeout 100ms, got %s", cfg.Coordination.OperationTimeout)
	}

	scope, ok := cfg.RateLimit.Scopes["forecast"]
	if !ok {
		t.Fatal("Expected forecast scope to be loaded")
	}
	if scope.Capacity != 10 || scope.FallbackMode != FallbackStrict {
		t.Errorf("Unexpected forecast scope: %+v", scope)
	}
	if len(cfg.Routes) != 1 || cfg.Routes[0].Cost.Param != "days" {
		t.Errorf("Expected one forecast route with days cost param, got %+v", cfg.Routes)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.setDefaults()

	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("Expected default HTTP port 8080, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected default log format json, got %s", cfg.Logging.Format)
	}
	if cfg.Coordination.Backend != BackendRedis {
		t.Errorf("Expected default coordination backend redis, got %s", cfg.Coordination.Backend)
	}
	if cfg.RateLimit.DefaultScope != "weather" {
		t.Errorf("Expected default scope weather, got %s", cfg.RateLimit.DefaultScope)
	}
	if cfg.Auth.APIKeyHeader != "X-API-Key" {
		t.Errorf("Expected default API key header X-API-Key, got %s", cfg.Auth.APIKeyHeader)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WEATHER_GATEWAY_HTTP_PORT", "7000")
	t.Setenv("WEATHER_GATEWAY_LOG_LEVEL", "warn")
	t.Setenv("WEATHER_GATEWAY_REDIS_HOST", "cache")
	t.Setenv("WEATHER_GATEWAY_REDIS_PORT", "6390")
	t.Setenv("WEATHER_GATEWAY_RATELIMIT_ENABLED", "false")
	t.Setenv("WEATHER_GATEWAY_TRUSTED_PROXIES", "10.0.0.0/8, 172.16.0.1,")

	cfg := &Config{}
	cfg.setDefaults()

	if err := applyEnvOverrides(cfg); err != nil {
		t.Fatalf("Failed to apply env overrides: %v", err)
	}

	if cfg.Server.HTTPPort != 7000 {
		t.Errorf("Expected HTTP port 7000 from env, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Expected log level warn from env, got %s", cfg.Logging.Level)
	}
	if cfg.Coordination.RedisAddr() != "cache:6390" {
		t.Errorf("Expected redis addr cache:6390 from env, got %s", cfg.Coordination.RedisAddr())
	}
	if cfg.RateLimit.Enabled {
		t.Error("Expected rate limiting disabled from env")
	}
	if len(cfg.Server.TrustedProxies) != 2 || cfg.Server.TrustedProxies[1] != "172.16.0.1" {
		t.Errorf("Expected two trusted proxies from env, got %v", cfg.Server.TrustedProxies)
	}
}

func TestEnvOverridesInvalidPort(t *testing.T) {
	t.Setenv("WEATHER_GATEWAY_REDIS_PORT", "not-a-port")

	cfg := &Config{}
	cfg.setDefaults()

	if err := applyEnvOverrides(cfg); err == nil {
		t.Error("Expected error for non-numeric REDIS_PORT")
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			setup:   func(c *Config) {},
			wantErr: false,
		},
		{
			name: "invalid http port",
			setup: func(c *Config) {
				c.Server.HTTPPort = 0
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			setup: func(c *Config) {
				c.Logging.Level = "invalid"
			},
			wantErr: true,
		},
		{
			name: "invalid coordination backend",
			setup: func(c *Config) {
				c.Coordination.Backend = "memcached"
			},
			wantErr: true,
		},
		{
			name: "dynamodb without table",
			setup: func(c *Config) {
				c.Coordination.Backend = BackendDynamoDB
				c.Coordination.DynamoDBRegion = "eu-central-1"
			},
			wantErr: true,
		},
		{
			name: "zero capacity",
			setup: func(c *Config) {
				c.RateLimit.Scopes["weather"] = ScopeConfig{Capacity: 0, RefillRate: 1, RefillIntervalMs: 1000, FallbackMode: FallbackStrict}
			},
			wantErr: true,
		},
		{
			name: "negative refill rate",
			setup: func(c *Config) {
				c.RateLimit.Scopes["weather"] = ScopeConfig{Capacity: 10, RefillRate: -1, RefillIntervalMs: 1000, FallbackMode: FallbackStrict}
			},
			wantErr: true,
		},
		{
			name: "unknown fallback mode",
			setup: func(c *Config) {
				c.RateLimit.Scopes["weather"] = ScopeConfig{Capacity: 10, RefillRate: 1, RefillIntervalMs: 1000, FallbackMode: "lenient"}
			},
			wantErr: true,
		},
		{
			name: "invalid scope ignored when rate limiting disabled",
			setup: func(c *Config) {
				c.RateLimit.Enabled = false
				c.RateLimit.Scopes["weather"] = ScopeConfig{}
			},
			wantErr: false,
		},
		{
			name: "missing default scope",
			setup: func(c *Config) {
				c.RateLimit.DefaultScope = "missing"
			},
			wantErr: true,
		},
		{
			name: "backoff max below initial",
			setup: func(c *Config) {
				c.Coordination.BackoffMax = time.Millisecond
			},
			wantErr: true,
		},
		{
			name: "admin enabled without token",
			setup: func(c *Config) {
				c.Admin.Enabled = true
			},
			wantErr: true,
		},
		{
			name: "admin enabled without admin scope",
			setup: func(c *Config) {
				c.Admin.Enabled = true
				c.Admin.Token = "secret"
				delete(c.RateLimit.Scopes, AdminScope)
			},
			wantErr: true,
		},
		{
			name: "admin without admin scope when rate limiting disabled",
			setup: func(c *Config) {
				c.Admin.Enabled = true
				c.Admin.Token = "secret"
				c.RateLimit.Enabled = false
				delete(c.RateLimit.Scopes, AdminScope)
			},
			wantErr: false,
		},
		{
			name: "trusted proxies",
			setup: func(c *Config) {
				c.Server.TrustedProxies = []string{"10.0.0.0/8", "192.168.1.7", "fd00::/8"}
			},
			wantErr: false,
		},
		{
			name: "invalid trusted proxy",
			setup: func(c *Config) {
				c.Server.TrustedProxies = []string{"lb.internal"}
			},
			wantErr: true,
		},
		{
			name: "unsupported jwt algorithm",
			setup: func(c *Config) {
				c.Auth.JWTAlgorithm = "RS256"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.setDefaults()
			tt.setup(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRouteValidation(t *testing.T) {
	cfg := &Config{}
	cfg.setDefaults()

	cfg.Routes = []RouteConfig{
		{
			PathPattern:  "",
			Methods:      []string{"GET"},
			UpstreamPath: "/current.json",
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("Expected validation error for missing path pattern")
	}

	cfg.Routes = []RouteConfig{
		{
			PathPattern:  "/v1/weather/current",
			Methods:      []string{},
			UpstreamPath: "/current.json",
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("Expected validation error for missing methods")
	}

	cfg.Routes = []RouteConfig{
		{
			PathPattern:  "/v1/weather/current",
			Methods:      []string{"GET"},
			Scope:        "nope",
			UpstreamPath: "/current.json",
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("Expected validation error for unknown scope")
	}

	cfg.Routes = []RouteConfig{
		{
			PathPattern:  "/v1/weather/current",
			Methods:      []string{"GET"},
			Scope:        "weather",
			UpstreamPath: "/current.json",
			Timeout:      5 * time.Second,
			Cost:         CostConfig{Base: 1},
		},
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected no validation error for valid route, got: %v", err)
	}
}
