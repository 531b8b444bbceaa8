package ratelimit

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed token_bucket.lua
var tokenBucketScript string

// RedisStore keeps bucket state in Redis hashes and mutates it with a
// server-side Lua script, so refill-then-debit is atomic across every
// gateway instance sharing the Redis.
type RedisStore struct {
	client           *redis.Client
	operationTimeout time.Duration

	mu        sync.RWMutex
	scriptSHA string
}

// RedisConfig contains configuration for Redis storage.
type RedisConfig struct {
	Addr             string
	Password         string
	DB               int
	DialTimeout      time.Duration
	OperationTimeout time.Duration
}

// NewRedisStore creates a Redis store. It does not connect; the
// connection supervisor calls Connect.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.OperationTimeout,
		WriteTimeout: cfg.OperationTimeout,
		// the supervisor owns reconnection
		MaxRetries: -1,
	})
	return NewRedisStoreFromClient(client, cfg.OperationTimeout)
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, operationTimeout time.Duration) *RedisStore {
	return &RedisStore{
		client:           client,
		operationTimeout: operationTimeout,
	}
}

// Connect checks the connection and registers the bucket script.
func (rs *RedisStore) Connect(ctx context.Context) error {
	if err := rs.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	sha, err := rs.client.ScriptLoad(ctx, tokenBucketScript).Result()
	if err != nil {
		return fmt.Errorf("failed to load bucket script: %w", err)
	}

	rs.mu.Lock()
	rs.scriptSHA = sha
	rs.mu.Unlock()
	return nil
}

// CheckAndConsume runs the bucket script for one request.
func (rs *RedisStore) CheckAndConsume(ctx context.Context, scope, identifier string, policy Policy, cost float64, now time.Time) (Decision, error) {
	rs.mu.RLock()
	sha := rs.scriptSHA
	rs.mu.RUnlock()
	if sha == "" {
		return Decision{}, ErrScriptNotLoaded
	}

	ctx, cancel := rs.withTimeout(ctx)
	defer cancel()

	result, err := rs.client.EvalSha(ctx, sha, []string{BucketKey(scope, identifier)},
		policy.Capacity,             // ARGV[1]
		policy.RefillRate,           // ARGV[2]
		policy.intervalMs(),         // ARGV[3]
		toMillis(now),               // ARGV[4]
		cost,                        // ARGV[5]
		policy.TTL().Milliseconds(), // ARGV[6]
	).Result()
	if err != nil {
		if redis.HasErrorPrefix(err, "NOSCRIPT") {
			return Decision{}, fmt.Errorf("%w: %v", ErrScriptNotLoaded, err)
		}
		return Decision{}, fmt.Errorf("failed to run bucket script: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 4 {
		return Decision{}, errors.New("invalid bucket script response")
	}

	allowed, _ := values[0].(int64)
	tokens, err := parseScriptFloat(values[1])
	if err != nil {
		return Decision{}, err
	}
	resetAt, err := parseScriptFloat(values[2])
	if err != nil {
		return Decision{}, err
	}
	retry, err := parseScriptFloat(values[3])
	if err != nil {
		return Decision{}, err
	}

	out := outcome{allowed: allowed == 1, resetAtMs: resetAt, retryMs: retry}
	return out.decision(policy, tokens, SourceDistributed), nil
}

// Peek reads a bucket without mutating it.
func (rs *RedisStore) Peek(ctx context.Context, scope, identifier string) (BucketState, bool, error) {
	ctx, cancel := rs.withTimeout(ctx)
	defer cancel()

	fields, err := rs.client.HGetAll(ctx, BucketKey(scope, identifier)).Result()
	if err != nil {
		return BucketState{}, false, fmt.Errorf("failed to read bucket from Redis: %w", err)
	}
	return DecodeState(fields)
}

// Reset deletes a bucket.
func (rs *RedisStore) Reset(ctx context.Context, scope, identifier string) error {
	ctx, cancel := rs.withTimeout(ctx)
	defer cancel()

	if err := rs.client.Del(ctx, BucketKey(scope, identifier)).Err(); err != nil {
		return fmt.Errorf("failed to delete bucket from Redis: %w", err)
	}
	return nil
}

// Ping checks if Redis is available.
func (rs *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := rs.withTimeout(ctx)
	defer cancel()
	return rs.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (rs *RedisStore) Close() error {
	rs.mu.Lock()
	rs.scriptSHA = ""
	rs.mu.Unlock()
	return rs.client.Close()
}

func (rs *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if rs.operationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, rs.operationTimeout)
}

func parseScriptFloat(v interface{}) (float64, error) {
	switch val := v.(type) {
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid bucket script value %q: %w", val, err)
		}
		return f, nil
	case int64:
		return float64(val), nil
	default:
		return 0, fmt.Errorf("unexpected bucket script value type %T", v)
	}
}
