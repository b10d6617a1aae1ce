package offline

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// cacheIndexPrefix namespaces the hot-index keys.
const cacheIndexPrefix = "kukuri:cache:"

// CacheIndex mirrors cache metadata into redis so expiry checks don't hit
// the database. The database remains the source of truth; the index is
// best effort.
type CacheIndex struct {
	client *redis.Client
}

// NewCacheIndex connects to redis at the given URL and verifies the
// connection.
func NewCacheIndex(ctx context.Context, url string) (*CacheIndex, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return &CacheIndex{client: client}, nil
}

// Mirror writes the entry's type under its key, with TTL matching the
// entry expiry when set.
func (c *CacheIndex) Mirror(ctx context.Context, entry CacheEntry) error {
	var ttl time.Duration
	if entry.ExpiresAt != nil {
		ttl = time.Until(*entry.ExpiresAt)
		if ttl <= 0 {
			return c.Invalidate(ctx, entry.CacheKey)
		}
	}
	return c.client.Set(ctx, cacheIndexPrefix+entry.CacheKey, entry.CacheType, ttl).Err()
}

// Fresh reports whether the key is present (i.e. mirrored and not
// expired).
func (c *CacheIndex) Fresh(ctx context.Context, cacheKey string) (bool, error) {
	n, err := c.client.Exists(ctx, cacheIndexPrefix+cacheKey).Result()
	if err != nil {
		return false, fmt.Errorf("checking cache key %s: %w", cacheKey, err)
	}
	return n == 1, nil
}

// Invalidate removes the key from the index.
func (c *CacheIndex) Invalidate(ctx context.Context, cacheKey string) error {
	return c.client.Del(ctx, cacheIndexPrefix+cacheKey).Err()
}

// Close releases the redis connection.
func (c *CacheIndex) Close() error {
	return c.client.Close()
}
