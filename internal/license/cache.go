package license

import (
	"sync"
	"time"

	"licensegate/pkg/contracts/domain"
)

// planEntry is a cached plan lookup
type planEntry struct {
	plan     domain.Plan
	cachedAt time.Time
	expires  time.Time
	hits     int
}

// PlanCache keeps plan feature sets in memory for a short TTL.
// Plans change rarely and are read on every feature check without an override row.
type PlanCache struct {
	entries   map[string]planEntry
	mutex     sync.RWMutex
	ttl       time.Duration
	maxSize   int
	hitCount  int64
	missCount int64
	stopChan  chan struct{}
	stopOnce  sync.Once
}

// NewPlanCache creates a plan cache. A zero ttl or maxSize disables caching.
func NewPlanCache(ttl time.Duration, maxSize int) *PlanCache {
	cache := &PlanCache{
		entries:  make(map[string]planEntry),
		ttl:      ttl,
		maxSize:  maxSize,
		stopChan: make(chan struct{}),
	}

	if ttl > 0 && maxSize > 0 {
		go cache.cleanup()
	}

	return cache
}

// Get returns a copy of the cached plan
func (c *PlanCache) Get(ref string) (*domain.Plan, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, exists := c.entries[ref]
	if !exists || time.Now().After(entry.expires) {
		c.missCount++
		return nil, false
	}

	entry.hits++
	c.entries[ref] = entry
	c.hitCount++

	plan := entry.plan
	return &plan, true
}

// Set stores a plan
func (c *PlanCache) Set(plan domain.Plan) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.maxSize <= 0 || c.ttl <= 0 {
		return
	}

	if _, exists := c.entries[plan.Ref]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	now := time.Now()
	c.entries[plan.Ref] = planEntry{
		plan:     plan,
		cachedAt: now,
		expires:  now.Add(c.ttl),
	}
}

// GetStats returns cache statistics
func (c *PlanCache) GetStats() map[string]interface{} {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	total := c.hitCount + c.missCount
	hitRatio := float64(0)
	if total > 0 {
		hitRatio = float64(c.hitCount) / float64(total)
	}

	return map[string]interface{}{
		"entries":     len(c.entries),
		"max_size":    c.maxSize,
		"hit_count":   c.hitCount,
		"miss_count":  c.missCount,
		"hit_ratio":   hitRatio,
		"ttl_seconds": c.ttl.Seconds(),
	}
}

func (c *PlanCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range c.entries {
		if oldestKey == "" || entry.cachedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.cachedAt
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (c *PlanCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

func (c *PlanCache) cleanup() {
	interval := 5 * time.Minute
	if c.ttl < interval {
		interval = c.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mutex.Lock()
			now := time.Now()
			for key, entry := range c.entries {
				if now.After(entry.expires) {
					delete(c.entries, key)
				}
			}
			c.mutex.Unlock()
		case <-c.stopChan:
			return
		}
	}
}
