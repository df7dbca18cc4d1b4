package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisUsageCounter implements UsageCounter on Redis. INCR is atomic on the
// server, so concurrent workers cannot lose updates; the expiry is set only
// on first increment so the window is anchored at the bucket start.
//
// The window is a fixed window keyed by time bucket. This is accurate for
// counting but admits a brief overshoot at bucket boundaries; strict
// per-credential mutual exclusion is deliberately not provided.
type RedisUsageCounter struct {
	client *redis.Client
}

// NewRedisUsageCounter wraps an existing client.
func NewRedisUsageCounter(client *redis.Client) *RedisUsageCounter {
	return &RedisUsageCounter{client: client}
}

// Increment atomically increments key and returns the new count. The key
// expires one full window after its first increment so stale buckets clean
// themselves up.
func (c *RedisUsageCounter) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment usage counter %s: %w", key, err)
	}
	return incr.Val(), nil
}

// MemoryUsageCounter is an in-process UsageCounter for tests and single-node
// deployments without Redis.
type MemoryUsageCounter struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
}

type memoryBucket struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryUsageCounter creates an empty counter.
func NewMemoryUsageCounter() *MemoryUsageCounter {
	return &MemoryUsageCounter{buckets: make(map[string]*memoryBucket)}
}

// Increment increments under a single lock, pruning expired buckets lazily.
func (c *MemoryUsageCounter) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	bucket, ok := c.buckets[key]
	if !ok || now.After(bucket.expiresAt) {
		bucket = &memoryBucket{expiresAt: now.Add(window)}
		c.buckets[key] = bucket
	}
	bucket.count++

	for k, b := range c.buckets {
		if now.After(b.expiresAt) {
			delete(c.buckets, k)
		}
	}
	return bucket.count, nil
}
