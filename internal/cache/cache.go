package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the shared counter store behind rate limiting and retrieval
// cache invalidation. Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
	// Generation returns the owner's current index generation, zero if unset.
	Generation(ctx context.Context, ownerID string) (int64, error)
	// BumpGeneration invalidates everything cached for the owner.
	BumpGeneration(ctx context.Context, ownerID string) (int64, error)
}

// generationTTL keeps idle owners from accumulating keys forever.
const generationTTL = 7 * 24 * time.Hour

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

// NewRedisCacheFromClient shares an existing client, e.g. with the queue.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Client exposes the underlying client for components sharing the connection.
func (c *RedisCache) Client() *redis.Client { return c.client }

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *RedisCache) Generation(ctx context.Context, ownerID string) (int64, error) {
	val, err := c.client.Get(ctx, GenerationKey(ownerID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func (c *RedisCache) BumpGeneration(ctx context.Context, ownerID string) (int64, error) {
	return c.IncrWithExpiry(ctx, GenerationKey(ownerID), generationTTL)
}
