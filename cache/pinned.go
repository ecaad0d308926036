package cache

import "sync"

// PinnedCache is a map whose entries are pinned to log positions. An entry
// stays resident, immune to any capacity policy, until the log is confirmed
// durable past its position and Unpin releases it. It backs the
// transaction-info and not-yet-checkpointed-commit bookkeeping, where losing
// an entry before the durable checkpoint passes it would break retries.
type PinnedCache struct {
	mu    sync.RWMutex
	items map[int64]*pinnedEntry
}

type pinnedEntry struct {
	value    interface{}
	position int64
}

// NewPinnedCache creates an empty pinned cache.
func NewPinnedCache() *PinnedCache {
	return &PinnedCache{items: make(map[int64]*pinnedEntry)}
}

// Put stores value under key, pinned until the durable checkpoint passes
// position.
func (c *PinnedCache) Put(key int64, value interface{}, position int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = &pinnedEntry{value: value, position: position}
}

// TryGet returns the value stored under key.
func (c *PinnedCache) TryGet(key int64) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.items[key]
	if !ok {
		return nil, false
	}
	return entry.value, true
}

// Unpin releases every entry whose pin position is at or below checkpoint.
func (c *PinnedCache) Unpin(checkpoint int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.items {
		if entry.position <= checkpoint {
			delete(c.items, key)
		}
	}
}

// Len returns the number of pinned entries.
func (c *PinnedCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
