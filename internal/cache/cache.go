// Package cache provides a bounded response cache guarding duplicate model
// calls for identical (question, mode) pairs. Eviction is least-recently-used
// by access time.
package cache

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// Cache is a size-bounded key/value store safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	maxSize  int
	values   map[string]string
	accessed map[string]time.Time
	now      func() time.Time
	seq      int64
}

// New creates a cache holding at most maxSize entries.
func New(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Cache{
		maxSize:  maxSize,
		values:   make(map[string]string),
		accessed: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Key derives the stable cache key for a question under an evaluation mode.
func Key(question, mode string) string {
	h := fnv.New64a()
	h.Write([]byte(question))
	return fmt.Sprintf("%x_%s", h.Sum64(), mode)
}

// Get returns the cached response and refreshes its recency.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	if ok {
		c.accessed[key] = c.tick()
	}
	return v, ok
}

// Put stores a response, evicting the least-recently-accessed entry when full.
func (c *Cache) Put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.values[key]; !exists && len(c.values) >= c.maxSize {
		c.evictOldest()
	}
	c.values[key] = value
	c.accessed[key] = c.tick()
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.values)
}

// tick returns a strictly increasing timestamp so same-instant accesses still
// order deterministically. Caller holds c.mu.
func (c *Cache) tick() time.Time {
	c.seq++
	return c.now().Add(time.Duration(c.seq))
}

func (c *Cache) evictOldest() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, at := range c.accessed {
		if first || at.Before(oldest) {
			oldestKey, oldest = k, at
			first = false
		}
	}
	if !first {
		delete(c.values, oldestKey)
		delete(c.accessed, oldestKey)
	}
}
