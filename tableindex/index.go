package tableindex

import (
	"bytes"
	"context"
	"encoding/binary"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"
	"go.etcd.io/bbolt"

	"github.com/calderadb/caldera/core"
	"github.com/calderadb/caldera/hooks"
)

const indexFileName = "index.db"

var (
	entriesBucket    = []byte("entries")
	checkpointBucket = []byte("checkpoint")
	checkpointKey    = []byte("position")
)

// Options holds configuration for the table index.
type Options struct {
	Dir string
	// MemtableThreshold is the number of buffered entries that triggers a
	// flush to the table file.
	MemtableThreshold int
	Logger            *slog.Logger
	HookManager       hooks.Manager
}

// TableIndex is the standard Index implementation.
type TableIndex struct {
	opts   Options
	logger *slog.Logger
	hooks  hooks.Manager

	db  *bbolt.DB
	mem *memtable

	mu              sync.RWMutex // guards checkpoints and filter
	flushMu         sync.Mutex   // serializes Flush
	flushedCheckpt  int64
	inMemCheckpt    int64
	streamFilter    *roaring64.Bitmap
	metricFlushes   *expvar.Int
	metricResidents *expvar.Int
}

var _ Index = (*TableIndex)(nil)

// Open creates or opens the table index in opts.Dir.
func Open(opts Options) (*TableIndex, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts.Logger = opts.Logger.With("component", "TableIndex")
	if opts.MemtableThreshold <= 0 {
		opts.MemtableThreshold = 100_000
	}
	if opts.HookManager == nil {
		opts.HookManager = hooks.NopManager{}
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory %s: %w", opts.Dir, err)
	}

	db, err := bbolt.Open(filepath.Join(opts.Dir, indexFileName), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open index file: %w", err)
	}

	idx := &TableIndex{
		opts:         opts,
		logger:       opts.Logger,
		hooks:        opts.HookManager,
		db:           db,
		mem:          newMemtable(),
		streamFilter: roaring64.New(),
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(entriesBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(checkpointBucket); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize index buckets: %w", err)
	}

	if err := idx.load(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// SetMetrics attaches expvar counters.
func (idx *TableIndex) SetMetrics(flushes, residents *expvar.Int) {
	idx.metricFlushes = flushes
	idx.metricResidents = residents
}

// load restores the checkpoint and rebuilds the stream-existence filter from
// the persisted entries.
func (idx *TableIndex) load() error {
	return idx.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(checkpointBucket).Get(checkpointKey); len(v) == 8 {
			idx.flushedCheckpt = int64(binary.BigEndian.Uint64(v))
			idx.inMemCheckpt = idx.flushedCheckpt
		}
		c := tx.Bucket(entriesBucket).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			idx.streamFilter.Add(binary.BigEndian.Uint64(k[:8]))
		}
		return nil
	})
}

// entryKeyBytes builds the 24-byte persistent key: hash, number, position,
// all big-endian so byte order equals numeric order.
func entryKeyBytes(entry core.IndexEntry) []byte {
	key := make([]byte, 24)
	binary.BigEndian.PutUint64(key[:8], uint64(entry.Hash))
	binary.BigEndian.PutUint64(key[8:16], uint64(entry.Number))
	binary.BigEndian.PutUint64(key[16:], uint64(entry.Position))
	return key
}

func entryFromKeyBytes(key []byte) core.IndexEntry {
	return core.IndexEntry{
		Hash:     core.StreamHash(binary.BigEndian.Uint64(key[:8])),
		Number:   int64(binary.BigEndian.Uint64(key[8:16])),
		Position: int64(binary.BigEndian.Uint64(key[16:])),
	}
}

// AddEntries inserts the entries of one commit and advances the build
// position. A memtable past its threshold is flushed synchronously; the
// commit is not acknowledged until its entries are at least memtable-resident.
func (idx *TableIndex) AddEntries(commitPosition int64, entries []core.IndexEntry) error {
	idx.mu.Lock()
	if commitPosition < idx.inMemCheckpt {
		idx.mu.Unlock()
		return core.NewCorruptionError("index add", "commit position regressed: %d < %d", commitPosition, idx.inMemCheckpt)
	}
	for _, entry := range entries {
		idx.streamFilter.Add(uint64(entry.Hash))
	}
	idx.inMemCheckpt = commitPosition
	idx.mu.Unlock()

	for _, entry := range entries {
		idx.mem.add(entry)
	}
	if idx.metricResidents != nil {
		idx.metricResidents.Set(int64(idx.mem.len()))
	}

	if idx.mem.len() >= idx.opts.MemtableThreshold {
		return idx.Flush()
	}
	return nil
}

// Flush persists the memtable entries and the build position in one
// transaction. The batch stays readable through the memtable's frozen
// snapshot until the transaction commits, so concurrent range reads never
// see a committed entry vanish mid-flush.
func (idx *TableIndex) Flush() error {
	idx.flushMu.Lock()
	defer idx.flushMu.Unlock()

	idx.mu.RLock()
	checkpoint := idx.inMemCheckpt
	idx.mu.RUnlock()
	entries := idx.mem.freeze()

	err := idx.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(entriesBucket)
		for _, entry := range entries {
			if err := bucket.Put(entryKeyBytes(entry), nil); err != nil {
				return err
			}
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(checkpoint))
		return tx.Bucket(checkpointBucket).Put(checkpointKey, buf[:])
	})
	if err != nil {
		// The snapshot stays frozen; the next flush re-collects it.
		return fmt.Errorf("failed to flush index memtable: %w", err)
	}
	idx.mem.release()

	idx.mu.Lock()
	idx.flushedCheckpt = checkpoint
	idx.mu.Unlock()

	if idx.metricFlushes != nil {
		idx.metricFlushes.Add(1)
	}
	if idx.metricResidents != nil {
		idx.metricResidents.Set(0)
	}
	idx.logger.Debug("Flushed index memtable", "entries", len(entries), "checkpoint", checkpoint)
	idx.hooks.Trigger(context.Background(), hooks.NewIndexFlushedEvent(hooks.IndexFlushedPayload{
		Entries:    len(entries),
		Checkpoint: checkpoint,
	}))
	return nil
}

// GetRange merges memtable and persisted entries for hash within
// [from, to], descending by (number, position).
func (idx *TableIndex) GetRange(hash core.StreamHash, from, to int64, maxHint int) ([]core.IndexEntry, error) {
	if !idx.MayContain(hash) {
		return nil, nil
	}
	capHint := maxHint
	if capHint <= 0 || capHint > 1024 {
		capHint = 16
	}
	out := make([]core.IndexEntry, 0, capHint)
	out = idx.mem.collectRange(out, hash, from, to)

	err := idx.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(entriesBucket).Cursor()
		// Position the cursor just past (hash, to, maxPos) and walk backward.
		seek := entryKeyBytes(core.IndexEntry{Hash: hash, Number: to, Position: math.MaxInt64})
		k, _ := c.Seek(seek)
		if k == nil {
			k, _ = c.Last()
		} else if !bytes.Equal(k, seek) {
			k, _ = c.Prev()
		}
		for ; k != nil; k, _ = c.Prev() {
			entry := entryFromKeyBytes(k)
			if entry.Hash != hash || entry.Number < from {
				break
			}
			if entry.Number > to {
				continue
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read index range: %w", err)
	}

	// Colliding streams interleave arbitrarily across memtable and table, so
	// merge-sort the two runs. A flush in flight can surface the same entry
	// from both the frozen snapshot and the table; drop such duplicates.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Number != out[j].Number {
			return out[i].Number > out[j].Number
		}
		return out[i].Position > out[j].Position
	})
	deduped := out[:0]
	for i, entry := range out {
		if i > 0 && entry == out[i-1] {
			continue
		}
		deduped = append(deduped, entry)
	}
	return deduped, nil
}

// TryGetLatestEntry returns the entry with the highest (number, position) for
// hash.
func (idx *TableIndex) TryGetLatestEntry(hash core.StreamHash) (core.IndexEntry, bool, error) {
	entries, err := idx.GetRange(hash, 0, math.MaxInt64, 1)
	if err != nil || len(entries) == 0 {
		return core.IndexEntry{}, false, err
	}
	return entries[0], true, nil
}

// TryGetOldestEntry returns the entry with the lowest (number, position) for
// hash.
func (idx *TableIndex) TryGetOldestEntry(hash core.StreamHash) (core.IndexEntry, bool, error) {
	entries, err := idx.GetRange(hash, 0, math.MaxInt64, 0)
	if err != nil || len(entries) == 0 {
		return core.IndexEntry{}, false, err
	}
	return entries[len(entries)-1], true, nil
}

// MayContain reports whether hash has any entries.
func (idx *TableIndex) MayContain(hash core.StreamHash) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.streamFilter.Contains(uint64(hash))
}

// BuiltToPosition returns the commit position covered, including unflushed
// entries.
func (idx *TableIndex) BuiltToPosition() int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.inMemCheckpt
}

// Checkpoint returns the durably persisted build position.
func (idx *TableIndex) Checkpoint() int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.flushedCheckpt
}

// Close flushes and closes the table file.
func (idx *TableIndex) Close() error {
	if err := idx.Flush(); err != nil {
		idx.db.Close()
		return err
	}
	return idx.db.Close()
}
