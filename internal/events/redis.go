package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/maltehedderich/weather-gateway/internal/logger"
	"github.com/redis/go-redis/v9"
)

const relayPublishTimeout = 500 * time.Millisecond

// RedisRelay publishes events as JSON to a Redis pub/sub channel for
// external monitoring. It uses its own client so relay trouble never
// touches the bucket store connection.
type RedisRelay struct {
	client  *redis.Client
	channel string
	logger  *logger.ComponentLogger
}

// NewRedisRelay creates a relay publishing to channel
func NewRedisRelay(client *redis.Client, channel string) *RedisRelay {
	return &RedisRelay{
		client:  client,
		channel: channel,
		logger:  logger.Get().WithComponent("events.relay"),
	}
}

// Handle publishes one event. Failures are logged and the event is dropped.
func (r *RedisRelay) Handle(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		r.logger.Error("failed to encode event", logger.Fields{"error": err.Error(), "type": string(e.Type)})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), relayPublishTimeout)
	defer cancel()

	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.Debug("failed to relay event", logger.Fields{
			"error":   err.Error(),
			"type":    string(e.Type),
			"channel": r.channel,
		})
	}
}

// Close closes the relay's Redis client
func (r *RedisRelay) Close() error {
	return r.client.Close()
}
