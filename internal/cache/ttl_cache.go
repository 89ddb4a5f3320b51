package cache

import (
	"sync"
	"time"
)

// Cache is a minimal keyed store with per-entry expiry.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	Delete(key K)
	Purge()
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type ttlCache[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]entry[V]
	now   func() time.Time
}

func NewTTLCache[K comparable, V any]() Cache[K, V] {
	return newTTLCache[K, V](time.Now)
}

func newTTLCache[K comparable, V any](now func() time.Time) *ttlCache[K, V] {
	return &ttlCache[K, V]{
		items: make(map[K]entry[V]),
		now:   now,
	}
}

func (c *ttlCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if !item.expiresAt.IsZero() && !c.now().Before(item.expiresAt) {
		c.mu.Lock()
		if current, still := c.items[key]; still && current.expiresAt.Equal(item.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return item.value, true
}

// Set stores value; ttl <= 0 means the entry never expires.
func (c *ttlCache[K, V]) Set(key K, value V, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.items[key] = entry[V]{value: value, expiresAt: expiresAt}
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) Purge() {
	c.mu.Lock()
	c.items = make(map[K]entry[V])
	c.mu.Unlock()
}
