// Package cache holds short-lived copies of each product's active releases
// so version checks do not hit the store on every call.
package cache

import (
	"context"
	"sync"
	"time"

	"licensed/pkg/contracts/domain"
)

// ReleaseCache stores the active releases of a product
type ReleaseCache interface {
	Get(ctx context.Context, productID int64) ([]domain.Release, bool, error)
	Set(ctx context.Context, productID int64, releases []domain.Release) error
	Invalidate(ctx context.Context, productID int64) error
}

type entry struct {
	releases  []domain.Release
	cachedAt  time.Time
	expiresAt time.Time
	hitCount  int
}

// Memory is an in-process ReleaseCache with a TTL and a size bound. The
// oldest entry is evicted when the bound is reached.
type Memory struct {
	entries   map[int64]entry
	mutex     sync.RWMutex
	ttl       time.Duration
	maxSize   int
	hitCount  int64
	missCount int64
	stopChan  chan struct{}
	stopOnce  sync.Once
	now       func() time.Time
}

// NewMemory creates a memory cache and starts its expiry loop
func NewMemory(ttl time.Duration, maxSize int) *Memory {
	c := &Memory{
		entries:  make(map[int64]entry),
		ttl:      ttl,
		maxSize:  maxSize,
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
	go c.cleanup()
	return c
}

// Get returns the cached releases for productID
func (c *Memory) Get(ctx context.Context, productID int64) ([]domain.Release, bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	e, ok := c.entries[productID]
	if !ok || c.now().After(e.expiresAt) {
		c.missCount++
		return nil, false, nil
	}
	e.hitCount++
	c.entries[productID] = e
	c.hitCount++
	return copyReleases(e.releases), true, nil
}

// Set stores releases for productID
func (c *Memory) Set(ctx context.Context, productID int64, releases []domain.Release) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.maxSize <= 0 {
		return nil
	}
	if _, exists := c.entries[productID]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	now := c.now()
	c.entries[productID] = entry{
		releases:  copyReleases(releases),
		cachedAt:  now,
		expiresAt: now.Add(c.ttl),
	}
	return nil
}

// Invalidate drops the entry for productID
func (c *Memory) Invalidate(ctx context.Context, productID int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.entries, productID)
	return nil
}

// Stats returns cache statistics
func (c *Memory) Stats() map[string]interface{} {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	total := c.hitCount + c.missCount
	ratio := float64(0)
	if total > 0 {
		ratio = float64(c.hitCount) / float64(total)
	}
	return map[string]interface{}{
		"entries":     len(c.entries),
		"max_size":    c.maxSize,
		"hit_count":   c.hitCount,
		"miss_count":  c.missCount,
		"hit_ratio":   ratio,
		"ttl_seconds": c.ttl.Seconds(),
	}
}

func (c *Memory) evictOldest() {
	var (
		oldest     int64
		oldestTime time.Time
		found      bool
	)
	for id, e := range c.entries {
		if !found || e.cachedAt.Before(oldestTime) {
			oldest, oldestTime, found = id, e.cachedAt, true
		}
	}
	if found {
		delete(c.entries, oldest)
	}
}

// Close stops the expiry loop
func (c *Memory) Close() error {
	c.stopOnce.Do(func() { close(c.stopChan) })
	return nil
}

func (c *Memory) cleanup() {
	interval := c.ttl
	if interval <= 0 || interval > 5*time.Minute {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mutex.Lock()
			now := c.now()
			for id, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, id)
				}
			}
			c.mutex.Unlock()
		case <-c.stopChan:
			return
		}
	}
}

func copyReleases(in []domain.Release) []domain.Release {
	out := make([]domain.Release, len(in))
	for i, r := range in {
		if r.StartDate != nil {
			t := *r.StartDate
			r.StartDate = &t
		}
		out[i] = r
	}
	return out
}
