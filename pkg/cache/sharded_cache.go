package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// ShardedCache is a sharded in-memory cache with per-entry TTL.
// It fronts the durable store for hot strategy state reads.
type ShardedCache struct {
	shards     [numShards]*shard
	defaultTTL time.Duration
}

type shard struct {
	mu    sync.RWMutex
	items map[string]entry
}

type entry struct {
	value     any
	expiresAt time.Time
}

// New creates a sharded cache. Entries set without an explicit TTL
// expire after defaultTTL; zero means no expiry.
func New(defaultTTL time.Duration) *ShardedCache {
	c := &ShardedCache{defaultTTL: defaultTTL}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &shard{items: make(map[string]entry)}
	}
	return c
}

func (c *ShardedCache) getShard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a value under key with the default TTL.
func (c *ShardedCache) Set(key string, value any) {
	c.SetTTL(key, value, c.defaultTTL)
}

// SetTTL stores a value with an explicit TTL. ttl <= 0 means no expiry.
func (c *ShardedCache) SetTTL(key string, value any, ttl time.Duration) {
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	s := c.getShard(key)
	s.mu.Lock()
	s.items[key] = entry{value: value, expiresAt: expires}
	s.mu.Unlock()
}

// Get retrieves a value; expired entries read as missing.
func (c *ShardedCache) Get(key string) (any, bool) {
	s := c.getShard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// Delete removes a key from the cache.
func (c *ShardedCache) Delete(key string) {
	s := c.getShard(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len returns total live items across all shards.
func (c *ShardedCache) Len() int {
	now := time.Now()
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		for _, e := range s.items {
			if e.expiresAt.IsZero() || now.Before(e.expiresAt) {
				total++
			}
		}
		s.mu.RUnlock()
	}
	return total
}

// Cleanup removes expired entries and returns how many were dropped.
func (c *ShardedCache) Cleanup() int {
	now := time.Now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for key, e := range s.items {
			if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
				delete(s.items, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// StartJanitor sweeps expired entries on the given interval until ctx ends.
func (c *ShardedCache) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Cleanup()
			}
		}
	}()
}
