package whiz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisCacheTTL bounds how long an untouched room stays cached.
const DefaultRedisCacheTTL = 24 * time.Hour

// RedisCache shares room sequences between processes through Redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to redisURL (redis://host:port/db). A ttl of zero
// uses DefaultRedisCacheTTL.
func NewRedisCache(ctx context.Context, redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis cache: ping: %w", err)
	}
	return NewRedisCacheFromClient(client, ttl), nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultRedisCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func roomCacheKey(room string) string {
	return fmt.Sprintf("whiz:room:%s:messages", room)
}

func (c *RedisCache) Get(ctx context.Context, room string) ([]Message, error) {
	data, err := c.client.Get(ctx, roomCacheKey(room)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis cache: get %q: %w", room, err)
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("redis cache: decode %q: %w", room, err)
	}
	return msgs, nil
}

func (c *RedisCache) Put(ctx context.Context, room string, msgs []Message) error {
	if msgs == nil {
		msgs = []Message{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("redis cache: encode %q: %w", room, err)
	}
	if err := c.client.Set(ctx, roomCacheKey(room), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis cache: put %q: %w", room, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, room string) error {
	if err := c.client.Del(ctx, roomCacheKey(room)).Err(); err != nil {
		return fmt.Errorf("redis cache: delete %q: %w", room, err)
	}
	return nil
}

// Close closes the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
