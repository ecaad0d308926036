// Package indexer resolves stream reads and admits commits on top of the
// transaction log and the stream index. It owns the caches that make both
// paths cheap: a FIFO idempotency cache keyed by event id, a versioned
// per-stream state cache, and a pinned cache for in-flight transactions.
package indexer

import (
	"expvar"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/calderadb/caldera/cache"
	"github.com/calderadb/caldera/core"
	"github.com/calderadb/caldera/hooks"
	"github.com/calderadb/caldera/tableindex"
	"github.com/calderadb/caldera/tlog"
)

// Backend bundles the storage collaborators shared by the read and write
// sides. All fields must be set before constructing a Reader or Writer.
type Backend struct {
	Log     tlog.Log
	Readers tlog.Borrower
	Index   tableindex.Index
	Hasher  core.StreamHasher
	Hooks   hooks.Manager
	Logger  *slog.Logger
	Tracer  trace.Tracer

	// Now is the clock used for max-age filtering. Defaults to time.Now.
	Now func() time.Time

	// AdditionalCommitChecks enables paranoid verification of event
	// numbering and duplicate detection during commit processing.
	AdditionalCommitChecks bool
}

func (b *Backend) normalize() {
	if b.Logger == nil {
		b.Logger = slog.Default()
	}
	if b.Tracer == nil {
		b.Tracer = noop.NewTracerProvider().Tracer("caldera/indexer")
	}
	if b.Now == nil {
		b.Now = time.Now
	}
	if b.Hooks == nil {
		b.Hooks = hooks.NopManager{}
	}
	if b.Hasher == nil {
		b.Hasher = core.FNVHasher{}
	}
}

// idemRecord is the value stored in the idempotency cache for a committed
// event id.
type idemRecord struct {
	StreamID    core.StreamID
	EventNumber int64
}

// streamState is the value stored in the versioned stream-state cache.
// Either half may be unresolved: LastNumber is meaningful only when
// HasLast is true, and Meta is nil until the metadata has been read.
type streamState struct {
	HasLast    bool
	LastNumber int64
	Meta       *core.StreamMetadata
}

// State holds the caches and settings shared between one Reader/Writer
// pair. The writer updates it authoritatively after each commit; readers
// populate it opportunistically with versioned conditional puts.
type State struct {
	streams      *cache.VersionedCache
	idempotency  *cache.FIFOCache
	transactions *cache.PinnedCache
	commits      *cache.PinnedCache

	settings atomic.Pointer[core.SystemSettings]

	collisions  *expvar.Int
	metaReloads *expvar.Int
}

// StateOptions sizes the caches owned by a State.
type StateOptions struct {
	// IdempotencyCapacity bounds the number of remembered event ids.
	IdempotencyCapacity int
	// IdempotencyMaxBytes bounds the memory spent on remembered ids.
	// Zero disables the byte bound.
	IdempotencyMaxBytes int64
	// StreamStateCapacity bounds the number of cached stream states.
	StreamStateCapacity int
}

// NewState creates the shared cache state. Settings start at the built-in
// defaults and are replaced whenever a settings-stream commit is processed.
func NewState(opts StateOptions) *State {
	s := &State{
		streams: cache.NewVersionedCache(opts.StreamStateCapacity),
		idempotency: cache.NewFIFOCache(opts.IdempotencyCapacity, opts.IdempotencyMaxBytes,
			func(key string, value interface{}) int64 { return int64(len(key)) + 24 }, nil),
		transactions: cache.NewPinnedCache(),
		commits:      cache.NewPinnedCache(),
		collisions:   new(expvar.Int),
		metaReloads:  new(expvar.Int),
	}
	defaults := core.DefaultSystemSettings()
	s.settings.Store(&defaults)
	return s
}

// Settings returns the current system ACL defaults.
func (s *State) Settings() *core.SystemSettings {
	return s.settings.Load()
}

// SetMetrics registers the state's counters on the given expvar map under
// "stream_hash_collisions" and "metadata_reloads".
func (s *State) SetMetrics(m *expvar.Map) {
	if m == nil {
		return
	}
	m.Set("stream_hash_collisions", s.collisions)
	m.Set("metadata_reloads", s.metaReloads)
}

// Collisions reports how many hash-collision fallback scans have run.
func (s *State) Collisions() int64 { return s.collisions.Value() }

func (s *State) rememberEvent(id core.EventID, stream core.StreamID, number int64) {
	s.idempotency.PutReplace(id.String(), idemRecord{StreamID: stream, EventNumber: number})
}

func (s *State) lookupEvent(id core.EventID) (idemRecord, bool) {
	v, ok := s.idempotency.TryGet(id.String())
	if !ok {
		return idemRecord{}, false
	}
	return v.(idemRecord), true
}
