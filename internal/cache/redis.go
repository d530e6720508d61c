package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Davincible/tensorgate/internal/gwerr"
)

const redisKeyPrefix = "tensorgate:inference:"

// RedisCache stores entries as JSON values with a server-side TTL, for
// deployments where multiple gateway replicas share one cache.
type RedisCache struct {
	client     *redis.Client
	defaultTTL time.Duration
}

func NewRedisCache(addr, password string, db int, defaultTTL time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, gwerr.Wrap(gwerr.KindCache, "failed to connect to redis", err)
	}
	return &RedisCache{client: client, defaultTTL: defaultTTL}, nil
}

func (c *RedisCache) Lookup(ctx context.Context, key string, maxAge time.Duration) (*Entry, error) {
	data, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindCache, "redis lookup failed", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, gwerr.Wrap(gwerr.KindCache, "corrupt cache entry", err)
	}
	if maxAge > 0 && time.Since(entry.StoredAt) > maxAge {
		return nil, nil
	}
	return &entry, nil
}

func (c *RedisCache) Store(ctx context.Context, key string, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return gwerr.Wrap(gwerr.KindCache, "failed to serialize cache entry", err)
	}
	if err := c.client.Set(ctx, redisKeyPrefix+key, data, c.defaultTTL).Err(); err != nil {
		return gwerr.Wrap(gwerr.KindCache, "redis store failed", err)
	}
	return nil
}

// Close releases the redis connection pool.
func (c *RedisCache) Close() error { return c.client.Close() }
