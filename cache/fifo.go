package cache

import (
	"container/list"
	"expvar"
	"fmt"
	"sync"
)

// SizeFunc estimates the byte footprint of one cached value.
type SizeFunc func(key string, value interface{}) int64

// FIFOCache is a fixed-capacity cache evicted in strict insertion order.
// Access recency is deliberately irrelevant: the cache answers "was this key
// inserted recently", not "was it read recently", which is exactly what
// client-retry detection needs. It is bounded by both an entry-count ceiling
// and an approximate total-byte ceiling. The byte ceiling never evicts the
// last remaining entry, so a single value larger than maxBytes stays cached
// until the next insert displaces it.
type FIFOCache struct {
	mu        sync.RWMutex
	maxCount  int
	maxBytes  int64
	sizeOf    SizeFunc
	queue     *list.List // front = oldest
	items     map[string]*list.Element
	bytes     int64
	onEvicted func(key string, value interface{})

	hits      *expvar.Int
	misses    *expvar.Int
	evictions *expvar.Int
}

type fifoEntry struct {
	key   string
	value interface{}
	size  int64
}

// NewFIFOCache creates a FIFO cache holding at most maxCount entries and
// approximately maxBytes of values. A nil sizeOf disables the byte ceiling.
func NewFIFOCache(maxCount int, maxBytes int64, sizeOf SizeFunc, onEvicted func(key string, value interface{})) *FIFOCache {
	return &FIFOCache{
		maxCount:  maxCount,
		maxBytes:  maxBytes,
		sizeOf:    sizeOf,
		queue:     list.New(),
		items:     make(map[string]*list.Element),
		onEvicted: onEvicted,
	}
}

// SetMetrics attaches expvar counters for observability.
func (c *FIFOCache) SetMetrics(hits, misses, evictions *expvar.Int) {
	c.hits = hits
	c.misses = misses
	c.evictions = evictions
}

// TryGet looks up key without affecting eviction order.
func (c *FIFOCache) TryGet(key string) (interface{}, bool) {
	c.mu.RLock()
	elem, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		if c.misses != nil {
			c.misses.Add(1)
		}
		return nil, false
	}
	if c.hits != nil {
		c.hits.Add(1)
	}
	return elem.Value.(*fifoEntry).value, true
}

// Put inserts key. Inserting an existing key is a caller error; use
// PutReplace to opt into silent overwrite.
func (c *FIFOCache) Put(key string, value interface{}) error {
	return c.put(key, value, false)
}

// PutReplace inserts key, silently replacing an existing entry in place
// (the entry keeps its original queue position).
func (c *FIFOCache) PutReplace(key string, value interface{}) {
	_ = c.put(key, value, true)
}

func (c *FIFOCache) put(key string, value interface{}, replace bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxCount <= 0 {
		return nil
	}

	var size int64
	if c.sizeOf != nil {
		size = c.sizeOf(key, value)
	}

	if elem, ok := c.items[key]; ok {
		if !replace {
			return fmt.Errorf("cache: duplicate insertion of key %q", key)
		}
		entry := elem.Value.(*fifoEntry)
		c.bytes += size - entry.size
		entry.value = value
		entry.size = size
		c.evictOverflow()
		return nil
	}

	entry := &fifoEntry{key: key, value: value, size: size}
	c.items[key] = c.queue.PushBack(entry)
	c.bytes += size
	c.evictOverflow()
	return nil
}

// evictOverflow drops oldest entries until both ceilings hold. The last
// entry is exempt from the byte ceiling, so one oversized value can push
// the cache past maxBytes. Must be called with c.mu held.
func (c *FIFOCache) evictOverflow() {
	for c.queue.Len() > c.maxCount || (c.maxBytes > 0 && c.bytes > c.maxBytes && c.queue.Len() > 1) {
		front := c.queue.Front()
		if front == nil {
			return
		}
		entry := c.queue.Remove(front).(*fifoEntry)
		delete(c.items, entry.key)
		c.bytes -= entry.size
		if c.evictions != nil {
			c.evictions.Add(1)
		}
		if c.onEvicted != nil {
			c.onEvicted(entry.key, entry.value)
		}
	}
}

// Len returns the current number of entries.
func (c *FIFOCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.queue.Len()
}

// Bytes returns the approximate byte footprint of cached values.
func (c *FIFOCache) Bytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bytes
}

// Clear drops every entry without invoking the eviction callback.
func (c *FIFOCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = list.New()
	c.items = make(map[string]*list.Element)
	c.bytes = 0
}
