package cache

import (
	"fmt"
	"sync"

	"github.com/c360/entitysync/errors"
)

// index is a thread-safe map with no eviction policy.
type index[V any] struct {
	mu      sync.RWMutex
	items   map[string]V
	stats   *Statistics
	metrics *cacheMetrics
	evictFn EvictCallback[V]
}

// NewIndex creates a non-evicting index.
// Returns an error if metrics registration fails when requested.
func NewIndex[V any](opts ...Option[V]) (Cache[V], error) {
	o := &cacheOptions[V]{}
	for _, opt := range opts {
		opt(o)
	}

	var metrics *cacheMetrics
	if o.metricsReg != nil && o.metricsPrefix != "" {
		var err error
		metrics, err = newCacheMetrics(o.metricsReg, o.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewIndex", "metrics registration")
		}
	}

	return &index[V]{
		items:   make(map[string]V),
		stats:   NewStatistics(),
		metrics: metrics,
		evictFn: o.evictCallback,
	}, nil
}

func (c *index[V]) observeSize(size int) {
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.updateSize(size)
	}
}

func (c *index[V]) recordLookup(hit bool) {
	if hit {
		c.stats.Hit()
		if c.metrics != nil {
			c.metrics.recordHit()
		}
		return
	}
	c.stats.Miss()
	if c.metrics != nil {
		c.metrics.recordMiss()
	}
}

func (c *index[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	value, exists := c.items[key]
	c.mu.RUnlock()

	c.recordLookup(exists)
	return value, exists
}

func (c *index[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	c.mu.Lock()
	_, exists := c.items[key]
	c.items[key] = value
	size := len(c.items)
	c.mu.Unlock()

	c.stats.Set()
	if c.metrics != nil {
		c.metrics.recordSet()
	}
	c.observeSize(size)
	return !exists, nil
}

func (c *index[V]) Rekey(oldKey, newKey string) (V, error) {
	var zero V
	if err := validateKey(oldKey); err != nil {
		return zero, err
	}
	if err := validateKey(newKey); err != nil {
		return zero, err
	}

	c.mu.Lock()
	moved, ok := c.items[oldKey]
	if !ok {
		c.mu.Unlock()
		return zero, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrKeyNotFound, oldKey), "cache", "Rekey", "lookup old key")
	}
	delete(c.items, oldKey)
	winner := moved
	replaced := false
	if existing, exists := c.items[newKey]; exists {
		winner = existing
		replaced = true
	} else {
		c.items[newKey] = moved
	}
	size := len(c.items)
	c.mu.Unlock()

	if replaced && c.evictFn != nil {
		c.evictFn(oldKey, moved)
	}
	c.stats.Set()
	c.observeSize(size)
	return winner, nil
}

func (c *index[V]) Delete(key string) (V, bool, error) {
	var zero V
	if err := validateKey(key); err != nil {
		return zero, false, err
	}
	c.mu.Lock()
	value, exists := c.items[key]
	if exists {
		delete(c.items, key)
	}
	size := len(c.items)
	c.mu.Unlock()

	if !exists {
		return zero, false, nil
	}
	if c.evictFn != nil {
		c.evictFn(key, value)
	}
	c.stats.Delete()
	if c.metrics != nil {
		c.metrics.recordDelete()
	}
	c.observeSize(size)
	return value, true, nil
}

func (c *index[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *index[V]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.items))
	for key := range c.items {
		keys = append(keys, key)
	}
	return keys
}

func (c *index[V]) Values() []V {
	c.mu.RLock()
	defer c.mu.RUnlock()
	values := make([]V, 0, len(c.items))
	for _, v := range c.items {
		values = append(values, v)
	}
	return values
}

func (c *index[V]) Stats() *Statistics {
	return c.stats
}
