// Package cache provides a small generic TTL map.
package cache

import (
	"sync"
	"time"
)

// TTL is a concurrency-safe map whose entries expire a fixed duration after
// they were written. Expired entries are removed lazily on read or by Sweep.
type TTL[K comparable, V any] struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[K]entry[V]
	nowFn func() time.Time

	hits   int64
	misses int64
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewTTL creates an empty cache. A non-positive ttl means entries never expire.
func NewTTL[K comparable, V any](ttl time.Duration) *TTL[K, V] {
	return &TTL[K, V]{
		ttl:   ttl,
		items: make(map[K]entry[V]),
		nowFn: time.Now,
	}
}

// WithClock replaces the time source and returns c.
func (c *TTL[K, V]) WithClock(now func() time.Time) *TTL[K, V] {
	c.mu.Lock()
	c.nowFn = now
	c.mu.Unlock()
	return c
}

// Get returns the live value for key.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	if c.expired(e) {
		delete(c.items, key)
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Put stores value under key, resetting its expiry.
func (c *TTL[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = entry[V]{value: value, expiresAt: c.expiry()}
}

// PutIfAbsent stores value unless a live entry already exists. It reports
// whether the value was stored.
func (c *TTL[K, V]) PutIfAbsent(key K, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok && !c.expired(e) {
		return false
	}
	c.items[key] = entry[V]{value: value, expiresAt: c.expiry()}
	return true
}

// Sweep drops every expired entry and returns how many were removed.
func (c *TTL[K, V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.items {
		if c.expired(e) {
			delete(c.items, k)
			n++
		}
	}
	return n
}

// Len returns the number of entries, including expired ones not yet removed.
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns hit and miss counts.
func (c *TTL[K, V]) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *TTL[K, V]) expiry() time.Time {
	if c.ttl <= 0 {
		return time.Time{}
	}
	return c.nowFn().Add(c.ttl)
}

func (c *TTL[K, V]) expired(e entry[V]) bool {
	if e.expiresAt.IsZero() {
		return false
	}
	return !c.nowFn().Before(e.expiresAt)
}
