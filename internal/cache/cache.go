// Package cache provides a small in-process cache with a fixed time-to-live.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	expiresAt time.Time
	value     V
}

// sweepsPerTTL bounds how often Set scans for expired entries.
const sweepsPerTTL = 4

// Cache is safe for concurrent use. Expired entries are dropped lazily on
// read and swept by Set at most sweepsPerTTL times per ttl.
type Cache[K comparable, V any] struct {
	ttl       time.Duration
	now       func() time.Time
	mu        sync.Mutex
	entries   map[K]entry[V]
	nextSweep time.Time
}

func New[K comparable, V any](ttl time.Duration) *Cache[K, V] {
	return &Cache[K, V]{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[K]entry[V]),
	}
}

// WithClock replaces the time source. Used by tests.
func (c *Cache[K, V]) WithClock(now func() time.Time) *Cache[K, V] {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
	return c
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(record.expiresAt) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return record.value, true
}

func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if !now.Before(c.nextSweep) {
		for k, record := range c.entries {
			if !now.Before(record.expiresAt) {
				delete(c.entries, k)
			}
		}
		c.nextSweep = now.Add(c.ttl / sweepsPerTTL)
	}
	c.entries[key] = entry[V]{expiresAt: now.Add(c.ttl), value: value}
}

func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	c.entries = make(map[K]entry[V])
	c.mu.Unlock()
}

// Len counts entries that have not expired yet.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for _, record := range c.entries {
		if now.Before(record.expiresAt) {
			n++
		}
	}
	return n
}
