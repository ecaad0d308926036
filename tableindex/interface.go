// Package tableindex implements the secondary index mapping
// (stream hash, event number) -> log position. Recent entries live in an
// in-memory skiplist memtable; once it passes a threshold they are flushed to
// a bbolt table together with the checkpoint they are built through.
//
// Because the index is keyed by a hash of the stream name, entries of two
// colliding streams share the hash and may even share an event number. The
// index therefore stores the position as part of the key and can hold several
// entries at one (hash, number); readers disambiguate by loading the records.
package tableindex

import "github.com/calderadb/caldera/core"

// Index is the secondary-index boundary consumed by the index engine.
type Index interface {
	// AddEntries atomically inserts the entries of one commit and advances
	// the in-memory build position to commitPosition. Only the single
	// committer calls it.
	AddEntries(commitPosition int64, entries []core.IndexEntry) error
	// GetRange returns every entry with the given hash and from <= number <= to,
	// ordered by descending number (ties by descending position). maxHint
	// bounds the allocation; pass <= 0 for no hint.
	GetRange(hash core.StreamHash, from, to int64, maxHint int) ([]core.IndexEntry, error)
	// TryGetLatestEntry returns the entry with the highest number for hash.
	TryGetLatestEntry(hash core.StreamHash) (core.IndexEntry, bool, error)
	// TryGetOldestEntry returns the entry with the lowest number for hash.
	TryGetOldestEntry(hash core.StreamHash) (core.IndexEntry, bool, error)
	// MayContain reports whether hash has any entries. False is definite;
	// true may be a false positive only across colliding hashes, never
	// across distinct hashes.
	MayContain(hash core.StreamHash) bool
	// BuiltToPosition returns the commit position the index covers,
	// including unflushed memtable entries.
	BuiltToPosition() int64
	// Checkpoint returns the durably persisted build position; a rebuild
	// after restart resumes from here.
	Checkpoint() int64
	// Flush persists the memtable and checkpoint.
	Flush() error
	Close() error
}
