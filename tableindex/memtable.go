package tableindex

import (
	"math"
	"sort"
	"sync"

	"github.com/INLOpen/skiplist"

	"github.com/calderadb/caldera/core"
)

// entryKey orders index entries by (hash ASC, number DESC, position DESC).
// Descending number order puts a stream's latest entry first within its hash
// run, which makes latest-entry lookups a single seek.
type entryKey struct {
	hash     uint64
	number   int64
	position int64
}

func compareEntryKeys(a, b *entryKey) int {
	switch {
	case a.hash < b.hash:
		return -1
	case a.hash > b.hash:
		return 1
	}
	switch {
	case a.number > b.number:
		return -1
	case a.number < b.number:
		return 1
	}
	switch {
	case a.position > b.position:
		return -1
	case a.position < b.position:
		return 1
	}
	return 0
}

// memtable is the in-memory buffer of recently added index entries. While a
// flush is in flight the batch being written sits in frozen and stays
// visible to collectRange, so a committed entry is never absent from both
// the memtable and the table file.
type memtable struct {
	mu     sync.RWMutex
	data   *skiplist.SkipList[*entryKey, struct{}]
	frozen []core.IndexEntry // sorted by (hash ASC, number DESC, position DESC)
}

func newMemtable() *memtable {
	return &memtable{
		data: skiplist.NewWithComparator[*entryKey, struct{}](compareEntryKeys),
	}
}

func (m *memtable) add(entry core.IndexEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.Insert(&entryKey{hash: uint64(entry.Hash), number: entry.Number, position: entry.Position}, struct{}{})
}

func (m *memtable) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.Len()
}

// collectRange appends every entry with the given hash and from <= number <= to
// to dst, in descending (number, position) order.
func (m *memtable) collectRange(dst []core.IndexEntry, hash core.StreamHash, from, to int64) []core.IndexEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	iter := m.data.NewIterator()
	// First key >= (hash, to, maxPos) under our ordering is the entry of this
	// hash with the highest number <= to.
	if !iter.Seek(&entryKey{hash: uint64(hash), number: to, position: math.MaxInt64}) {
		return dst
	}
	for {
		key := iter.Key()
		if key.hash != uint64(hash) || key.number < from {
			break
		}
		dst = append(dst, core.IndexEntry{Hash: core.StreamHash(key.hash), Number: key.number, Position: key.position})
		if !iter.Next() {
			break
		}
	}
	return m.collectFrozenLocked(dst, hash, from, to)
}

// collectFrozenLocked appends matching entries of the in-flight flush batch.
// Must be called with m.mu held.
func (m *memtable) collectFrozenLocked(dst []core.IndexEntry, hash core.StreamHash, from, to int64) []core.IndexEntry {
	lo := sort.Search(len(m.frozen), func(i int) bool {
		e := m.frozen[i]
		return e.Hash > hash || (e.Hash == hash && e.Number <= to)
	})
	for _, e := range m.frozen[lo:] {
		if e.Hash != hash || e.Number < from {
			break
		}
		dst = append(dst, e)
	}
	return dst
}

// freeze moves the buffered entries into the frozen snapshot and returns the
// whole snapshot in sorted order. Entries stay visible to collectRange until
// release; a freeze after a failed flush re-collects the previous snapshot.
func (m *memtable) freeze() []core.IndexEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]core.IndexEntry, 0, m.data.Len()+len(m.frozen))
	out = append(out, m.frozen...)
	m.data.Range(func(key *entryKey, _ struct{}) bool {
		out = append(out, core.IndexEntry{Hash: core.StreamHash(key.hash), Number: key.number, Position: key.position})
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hash != out[j].Hash {
			return out[i].Hash < out[j].Hash
		}
		if out[i].Number != out[j].Number {
			return out[i].Number > out[j].Number
		}
		return out[i].Position > out[j].Position
	})
	m.data = skiplist.NewWithComparator[*entryKey, struct{}](compareEntryKeys)
	m.frozen = out
	return out
}

// release drops the frozen snapshot once its entries are durable in the
// table file.
func (m *memtable) release() {
	m.mu.Lock()
	m.frozen = nil
	m.mu.Unlock()
}
