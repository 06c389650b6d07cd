package utils

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestTTLCache(t *testing.T) {
	c := NewTTLCache[string, int](zerolog.Nop(), 10*time.Millisecond)
	defer c.Shutdown()

	_, ok, stale := c.Get("missing")
	assert.False(t, ok)
	assert.False(t, stale)

	c.Set("fresh", 1, time.Minute)
	v, ok, _ := c.Get("fresh")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	c.Set("old", 2, -time.Second)
	v, ok, stale = c.Get("old")
	assert.False(t, ok)
	assert.True(t, stale)
	assert.Equal(t, 2, v)

	c.Delete("fresh")
	_, ok, _ = c.Get("fresh")
	assert.False(t, ok)
}

func TestTTLCacheCleanup(t *testing.T) {
	c := NewTTLCache[string, string](zerolog.Nop(), 5*time.Millisecond)
	defer c.Shutdown()

	c.Set("a", "x", time.Millisecond)

	assert.Eventually(t, func() bool {
		return c.Len() == 0
	}, time.Second, 5*time.Millisecond)

	// cleanup restarts on the next insert
	c.Set("b", "y", time.Minute)
	assert.Equal(t, 1, c.Len())
}
