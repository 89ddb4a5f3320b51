package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLCacheExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newTTLCache[string, int](func() time.Time { return now })

	c.Set("a", 1, time.Minute)
	c.Set("b", 2, 0)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)

	v, ok = c.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	c.Delete("b")
	_, ok = c.Get("b")
	assert.False(t, ok)
}

func TestTTLCachePurge(t *testing.T) {
	c := NewTTLCache[string, string]()
	c.Set("x", "y", time.Hour)
	c.Purge()
	_, ok := c.Get("x")
	assert.False(t, ok)
}
