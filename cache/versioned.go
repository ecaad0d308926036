package cache

import (
	"container/list"
	"expvar"
	"sync"
)

// VersionedCache is a capacity-bounded map whose entries carry a monotonic
// version stamp. The single committer updates it unconditionally through
// PutAuthoritative; readers that computed a value the slow way propose it
// through PutIfVersionMatches with the version they observed at the start of
// their lookup. A proposal whose observed version is no longer current is
// discarded, never retried, so a slow reader can never overwrite a result
// the committer has since superseded.
type VersionedCache struct {
	mu       sync.Mutex
	maxCount int
	items    map[string]*versionedEntry
	order    *list.List // front = oldest, insertion order

	hits   *expvar.Int
	misses *expvar.Int
}

type versionedEntry struct {
	key     string
	version int64
	value   interface{}
	elem    *list.Element
}

// NewVersionedCache creates a versioned cache holding at most maxCount keys.
func NewVersionedCache(maxCount int) *VersionedCache {
	return &VersionedCache{
		maxCount: maxCount,
		items:    make(map[string]*versionedEntry),
		order:    list.New(),
	}
}

// SetMetrics attaches expvar counters.
func (c *VersionedCache) SetMetrics(hits, misses *expvar.Int) {
	c.hits = hits
	c.misses = misses
}

// TryGet returns the version and value cached under key. Version 0 means
// "never populated"; callers pass the returned version back to
// PutIfVersionMatches after their slow lookup.
func (c *VersionedCache) TryGet(key string) (version int64, value interface{}, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, found := c.items[key]
	if !found {
		if c.misses != nil {
			c.misses.Add(1)
		}
		return 0, nil, false
	}
	if c.hits != nil {
		c.hits.Add(1)
	}
	return entry.version, entry.value, true
}

// PutIfVersionMatches applies value only if the entry's version still equals
// observedVersion (0 for "entry did not exist"). On a mismatch the proposal
// is discarded and the fresher cached value is returned instead, so callers
// always leave with the newest known truth.
func (c *VersionedCache) PutIfVersionMatches(observedVersion int64, key string, value interface{}) interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, found := c.items[key]
	if !found {
		if observedVersion != 0 {
			// The entry was evicted since the read observed it; the reader's
			// value may be stale, drop it.
			return value
		}
		c.insert(key, value)
		return value
	}
	if entry.version != observedVersion {
		return entry.value
	}
	entry.version++
	entry.value = value
	return value
}

// PutAuthoritative unconditionally applies value and bumps the version. Only
// the single committer calls this; it is the source of truth.
func (c *VersionedCache) PutAuthoritative(key string, value interface{}) interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, found := c.items[key]; found {
		entry.version++
		entry.value = value
		return value
	}
	c.insert(key, value)
	return value
}

// Remove drops key, forcing the next lookup down the slow path.
func (c *VersionedCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, found := c.items[key]; found {
		c.order.Remove(entry.elem)
		delete(c.items, key)
	}
}

// insert seeds a new entry at version 1. Must be called with c.mu held.
func (c *VersionedCache) insert(key string, value interface{}) {
	if c.maxCount > 0 && c.order.Len() >= c.maxCount {
		if front := c.order.Front(); front != nil {
			old := c.order.Remove(front).(*versionedEntry)
			delete(c.items, old.key)
		}
	}
	entry := &versionedEntry{key: key, version: 1, value: value}
	entry.elem = c.order.PushBack(entry)
	c.items[key] = entry
}

// Len returns the number of cached keys.
func (c *VersionedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
