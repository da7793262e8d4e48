package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a namespaced byte cache over Redis, used for rendered tiles.
type Cache struct {
	Redis     redis.UniversalClient
	Namespace string
	TTL       time.Duration
}

// Get cached bytes from Redis. A miss surfaces as redis.Nil.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	return c.Redis.Get(ctx, c.Namespace+":"+key).Bytes()
}

// Store data to Redis with the cache's TTL
func (c *Cache) Store(ctx context.Context, key string, data []byte) error {
	return c.Redis.Set(ctx, c.Namespace+":"+key, data, c.TTL).Err()
}

func (c *Cache) Flush(ctx context.Context) error {
	keys := c.Redis.Keys(ctx, c.Namespace+":*")
	//using pipeline to delete keys efficiently
	pl := c.Redis.Pipeline()

	for _, key := range keys.Val() {
		pl.Del(ctx, key)
	}

	_, err := pl.Exec(ctx)
	return err
}

// Delete key from Redis
func (c *Cache) Remove(ctx context.Context, key string) error {
	return c.Redis.Del(ctx, c.Namespace+":"+key).Err()
}

// NewCache builds a namespaced cache over an existing connection. A zero
// TTL means entries never expire.
func NewCache(namespace string, ttl time.Duration, redisCl redis.UniversalClient) *Cache {
	return &Cache{
		Namespace: namespace,
		TTL:       ttl,
		Redis:     redisCl,
	}
}
