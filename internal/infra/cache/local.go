package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/config-governance/internal/core/domain"
	"github.com/arklim/config-governance/internal/core/port"
)

type entry struct {
	version   domain.Version
	expiresAt time.Time
}

// LocalCache is an in-process CurrentVersionCache with per entry TTL.
type LocalCache struct {
	mu      sync.RWMutex
	data    map[domain.CacheKey]entry
	logger  *zap.Logger
	now     func() time.Time
	stop    chan struct{}
	stopped sync.Once
}

// NewLocalCache creates the cache and starts a janitor that sweeps expired
// entries every interval. A non-positive interval disables the janitor.
func NewLocalCache(interval time.Duration, logger *zap.Logger) *LocalCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &LocalCache{
		data:   make(map[domain.CacheKey]entry),
		logger: logger,
		now:    time.Now,
		stop:   make(chan struct{}),
	}
	if interval > 0 {
		go c.janitor(interval)
	}
	return c
}

var _ port.CurrentVersionCache = (*LocalCache)(nil)

// GetCurrent returns the live entry for key, or nil.
func (c *LocalCache) GetCurrent(_ context.Context, key domain.CacheKey) (*domain.Version, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.data[key]
	if !ok || !c.now().Before(e.expiresAt) {
		return nil, nil
	}
	out := e.version.Clone()
	return &out, nil
}

// SetCurrent stores a copy of version for ttl.
func (c *LocalCache) SetCurrent(_ context.Context, key domain.CacheKey, version domain.Version, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = entry{version: version.Clone(), expiresAt: c.now().Add(ttl)}
	return nil
}

// Invalidate drops the entry for key.
func (c *LocalCache) Invalidate(_ context.Context, key domain.CacheKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.data, key)
	return nil
}

// Len reports the number of stored entries, expired ones included.
func (c *LocalCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Close stops the janitor.
func (c *LocalCache) Close() error {
	c.stopped.Do(func() {
		close(c.stop)
		c.logger.Info("local current version cache closed")
	})
	return nil
}

func (c *LocalCache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, e := range c.data {
		if !now.Before(e.expiresAt) {
			delete(c.data, key)
			removed++
		}
	}
	return removed
}

func (c *LocalCache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := c.sweep(); removed > 0 {
				c.logger.Debug("expired current versions evicted", zap.Int("count", removed))
			}
		case <-c.stop:
			return
		}
	}
}
