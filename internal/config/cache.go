package config

import (
	"sync"
	"time"
)

// Cache is a TTL-bound config cache so hot request paths pick up file
// edits without re-reading the disk on every call.
type Cache struct {
	mu       sync.RWMutex
	config   *Config
	loadedAt time.Time
	ttl      time.Duration
}

// NewCache wraps an already-loaded config.
func NewCache(initialCfg *Config, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 500 * time.Millisecond
	}
	return &Cache{
		config:   initialCfg,
		loadedAt: time.Now(),
		ttl:      ttl,
	}
}

// Get returns the current config, reloading from disk once the TTL
// expires. A failed reload keeps serving the previous config.
func (c *Cache) Get() *Config {
	c.mu.RLock()
	if time.Since(c.loadedAt) < c.ttl {
		cfg := c.config
		c.mu.RUnlock()
		return cfg
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine may have refreshed while we waited.
	if time.Since(c.loadedAt) < c.ttl {
		return c.config
	}

	cfg, err := Load()
	if err != nil {
		c.loadedAt = time.Now()
		return c.config
	}
	c.config = cfg
	c.loadedAt = time.Now()
	return c.config
}
