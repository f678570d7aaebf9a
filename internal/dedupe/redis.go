// ABOUTME: Redis-backed replay guard shared by every gateway replica
// ABOUTME: Claims provider message ids with SET NX and a TTL

package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "chatline:webhook:seen:"

// RedisGuard is a Guard shared across processes.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisGuard connects to redisURL (redis://host:port/db) and verifies the connection.
func NewRedisGuard(ctx context.Context, redisURL string, ttl time.Duration) (*RedisGuard, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisGuard{client: client, ttl: ttl}, nil
}

// Claim sets the key only if absent. A failed SET means another delivery got there first.
func (g *RedisGuard) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := g.client.SetNX(ctx, redisKeyPrefix+key, time.Now().Unix(), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claiming %s: %w", key, err)
	}
	return !ok, nil
}

// Release deletes the key.
func (g *RedisGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("releasing %s: %w", key, err)
	}
	return nil
}

// Close closes the client.
func (g *RedisGuard) Close() error {
	return g.client.Close()
}

var _ Guard = (*RedisGuard)(nil)
