package cache

import (
	"context"
	"sync"
	"time"
)

type memoryCounter struct {
	value     int64
	expiresAt time.Time
}

// MemoryCache is an in-process Cache for single-binary deployments and tests.
// Counters are not shared between processes.
type MemoryCache struct {
	mu       sync.Mutex
	counters map[string]memoryCounter
	now      func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		counters: make(map[string]memoryCounter),
		now:      time.Now,
	}
}

func (c *MemoryCache) Ping(context.Context) error { return nil }

func (c *MemoryCache) IncrWithExpiry(_ context.Context, key string, expiry time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	ctr, ok := c.counters[key]
	if !ok || (!ctr.expiresAt.IsZero() && !now.Before(ctr.expiresAt)) {
		ctr = memoryCounter{}
	}
	ctr.value++
	if expiry > 0 {
		ctr.expiresAt = now.Add(expiry)
	}
	c.counters[key] = ctr
	return ctr.value, nil
}

func (c *MemoryCache) Generation(_ context.Context, ownerID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[GenerationKey(ownerID)].value, nil
}

func (c *MemoryCache) BumpGeneration(_ context.Context, ownerID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := GenerationKey(ownerID)
	ctr := c.counters[key]
	ctr.value++
	c.counters[key] = ctr
	return ctr.value, nil
}
