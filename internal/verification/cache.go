package verification

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache holds verification statuses keyed by owner. Implementations treat
// backend errors as misses.
type Cache interface {
	Get(ctx context.Context, ownerID string) (*Status, bool)
	Set(ctx context.Context, ownerID string, s *Status)
	Delete(ctx context.Context, ownerID string)
}

// ── In-memory ─────────────────────────────────────────────────────────────

type cacheEntry struct {
	status    Status
	expiresAt time.Time
}

// MemoryCache is a process-local TTL cache. Expired entries are dropped on
// read and by StartEviction.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryCache creates a MemoryCache.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, ownerID string) (*Status, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[ownerID]
	if !ok || c.now().After(e.expiresAt) {
		return nil, false
	}
	s := e.status
	return &s, true
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, ownerID string, s *Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ownerID] = &cacheEntry{status: *s, expiresAt: c.now().Add(c.ttl)}
}

// Delete implements Cache.
func (c *MemoryCache) Delete(_ context.Context, ownerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, ownerID)
}

// Evict removes expired entries and returns how many were removed.
func (c *MemoryCache) Evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// StartEviction evicts expired entries every interval until ctx is done.
func (c *MemoryCache) StartEviction(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	if interval == 0 {
		interval = time.Minute
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := c.Evict(); n > 0 {
					logger.Debug("status cache eviction", zap.Int("evicted", n))
				}
			}
		}
	}()
}

// ── Redis ─────────────────────────────────────────────────────────────────

const statusKeyPrefix = "idanchor:status:"

// RedisCache shares statuses between anchord instances.
type RedisCache struct {
	client redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache creates a RedisCache.
func NewRedisCache(client redis.Cmdable, ttl time.Duration, logger *zap.Logger) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, ownerID string) (*Status, bool) {
	raw, err := c.client.Get(ctx, statusKeyPrefix+ownerID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("status cache read", zap.String("owner_id", ownerID), zap.Error(err))
		return nil, false
	}
	var s Status
	if err := json.Unmarshal(raw, &s); err != nil {
		c.logger.Warn("status cache decode", zap.String("owner_id", ownerID), zap.Error(err))
		return nil, false
	}
	return &s, true
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, ownerID string, s *Status) {
	raw, err := json.Marshal(s)
	if err != nil {
		c.logger.Warn("status cache encode", zap.String("owner_id", ownerID), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, statusKeyPrefix+ownerID, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("status cache write", zap.String("owner_id", ownerID), zap.Error(err))
	}
}

// Delete implements Cache.
func (c *RedisCache) Delete(ctx context.Context, ownerID string) {
	if err := c.client.Del(ctx, statusKeyPrefix+ownerID).Err(); err != nil {
		c.logger.Warn("status cache delete", zap.String("owner_id", ownerID), zap.Error(err))
	}
}
