package utils

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type cacheEntry[V any] struct {
	value   V
	expires time.Time
}

// TTLCache is an in-memory cache with per-entry expiration. A cleanup
// goroutine runs only while the cache holds entries.
type TTLCache[K comparable, V any] struct {
	logger        zerolog.Logger
	cleanupPeriod time.Duration

	cache   map[K]cacheEntry[V]
	cacheMu sync.RWMutex

	cleanup   bool
	cleanupMu sync.Mutex
	shutdown  chan struct{}
}

func NewTTLCache[K comparable, V any](logger zerolog.Logger, cleanupPeriod time.Duration) *TTLCache[K, V] {
	if cleanupPeriod == 0 {
		cleanupPeriod = 4 * time.Second
	}

	return &TTLCache[K, V]{
		logger:        logger,
		cleanupPeriod: cleanupPeriod,
		cache:         map[K]cacheEntry[V]{},
	}
}

// Get returns the value and whether it is present and not expired. Expired
// values are still returned as stale so callers may fall back on them.
func (c *TTLCache[K, V]) Get(key K) (value V, ok bool, stale bool) {
	c.cacheMu.RLock()
	entry, found := c.cache[key]
	c.cacheMu.RUnlock()

	// on cache miss
	if !found {
		return value, false, false
	}

	// if cache has expired
	if time.Now().After(entry.expires) {
		return entry.value, false, true
	}

	return entry.value, true, false
}

func (c *TTLCache[K, V]) Set(key K, value V, duration time.Duration) {
	c.cacheMu.Lock()
	c.cache[key] = cacheEntry[V]{
		value:   value,
		expires: time.Now().Add(duration),
	}
	c.cacheMu.Unlock()

	// start periodic cleanup if not running
	c.cleanupStart()
}

func (c *TTLCache[K, V]) Delete(key K) {
	c.cacheMu.Lock()
	delete(c.cache, key)
	c.cacheMu.Unlock()
}

func (c *TTLCache[K, V]) Len() int {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()

	return len(c.cache)
}

// Shutdown stops the cleanup goroutine, entries are kept.
func (c *TTLCache[K, V]) Shutdown() {
	c.cleanupStop()
}

func (c *TTLCache[K, V]) clearExpired() {
	cacheSize := 0
	now := time.Now()

	c.cacheMu.Lock()
	for key, entry := range c.cache {
		// remove expired entries
		if now.After(entry.expires) {
			delete(c.cache, key)
		} else {
			cacheSize++
		}
	}
	c.cacheMu.Unlock()

	if cacheSize == 0 {
		c.cleanupStop()
	}
}

func (c *TTLCache[K, V]) cleanupStart() {
	c.cleanupMu.Lock()
	defer c.cleanupMu.Unlock()

	// if already running
	if c.cleanup {
		return
	}

	shutdown := make(chan struct{})
	c.shutdown = shutdown
	c.cleanup = true

	go func() {
		c.logger.Debug().Msg("cache cleanup started")

		ticker := time.NewTicker(c.cleanupPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-shutdown:
				return
			case <-ticker.C:
				c.clearExpired()
			}
		}
	}()
}

func (c *TTLCache[K, V]) cleanupStop() {
	c.cleanupMu.Lock()
	defer c.cleanupMu.Unlock()

	// if not running
	if !c.cleanup {
		return
	}

	c.cleanup = false
	close(c.shutdown)

	c.logger.Debug().Msg("cache cleanup stopped")
}
