// Package engine wires the storage pieces into one embeddable database
// engine: the transaction log, the table index, the caches, the hook manager
// and the index-engine reader/writer pair, opened from a single Config.
package engine

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/calderadb/caldera/compressors"
	"github.com/calderadb/caldera/config"
	"github.com/calderadb/caldera/core"
	"github.com/calderadb/caldera/hooks"
	"github.com/calderadb/caldera/indexer"
	"github.com/calderadb/caldera/tableindex"
	"github.com/calderadb/caldera/tlog"
)

// Engine is the embeddable database engine. Reads are safe for concurrent
// use; writes are serialized internally through the single committer.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time

	log   *tlog.SegmentedLog
	pool  *tlog.ReaderPool
	index *tableindex.TableIndex
	state *indexer.State
	hooks hooks.Manager

	reader *indexer.Reader
	writer *indexer.Writer

	// commitMu serializes the whole admit-append-commit sequence; the index
	// engine's write side assumes a single committer.
	commitMu sync.Mutex

	mu     sync.Mutex
	closed bool

	appends *expvar.Int
	reads   *expvar.Int
}

// Option customizes an Engine beyond what Config covers.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithHookManager sets the hook manager commit notifications go through.
func WithHookManager(m hooks.Manager) Option {
	return func(e *Engine) { e.hooks = m }
}

// WithTracer sets the tracer handed to the index engine.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithClock overrides the engine's wall clock. Tests use it to pin event
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func (e *Engine) nowUTC() time.Time { return e.now().UTC() }

// Open builds the engine from cfg, recovering the log and rebuilding the
// index from the last durable index checkpoint to the log tail.
func Open(cfg *config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		appends: new(expvar.Int),
		reads:   new(expvar.Int),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.logger = e.logger.With("component", "Engine")
	if e.hooks == nil {
		e.hooks = hooks.NewManager(e.logger)
	}

	compression, err := compressors.ParseName(cfg.Engine.Log.Compression)
	if err != nil {
		return nil, err
	}

	log, err := tlog.Open(tlog.Options{
		Dir:            filepath.Join(cfg.Engine.DataDir, "log"),
		MaxSegmentSize: cfg.Engine.Log.MaxSegmentSizeBytes,
		SyncMode:       tlog.SyncMode(cfg.Engine.Log.SyncMode),
		Compression:    compression,
		Logger:         e.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction log: %w", err)
	}
	e.log = log

	index, err := tableindex.Open(tableindex.Options{
		Dir:               filepath.Join(cfg.Engine.DataDir, "index"),
		MemtableThreshold: cfg.Engine.Index.MemtableThreshold,
		Logger:            e.logger,
		HookManager:       e.hooks,
	})
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("failed to open table index: %w", err)
	}
	e.index = index

	pool, err := tlog.NewReaderPool(log, cfg.Engine.Log.ReaderPoolSize)
	if err != nil {
		index.Close()
		log.Close()
		return nil, err
	}
	e.pool = pool

	e.state = indexer.NewState(indexer.StateOptions{
		IdempotencyCapacity: cfg.Engine.Cache.IdempotencyCapacity,
		IdempotencyMaxBytes: cfg.Engine.Cache.IdempotencyMaxBytes,
		StreamStateCapacity: cfg.Engine.Cache.StreamStateCapacity,
	})

	backend := &indexer.Backend{
		Log:                    log,
		Readers:                pool,
		Index:                  index,
		Hooks:                  e.hooks,
		Logger:                 e.logger,
		Tracer:                 e.tracer,
		Now:                    e.now,
		AdditionalCommitChecks: cfg.Engine.AdditionalCommitChecks,
	}
	e.writer = indexer.NewWriter(backend, e.state)
	e.reader = indexer.NewReader(backend, e.state)

	if err := e.rebuildIndex(); err != nil {
		e.closeStorage()
		return nil, fmt.Errorf("index rebuild failed: %w", err)
	}

	e.logger.Info("Engine opened",
		"data_dir", cfg.Engine.DataDir,
		"log_tail", log.TailPosition(),
		"index_built_to", index.BuiltToPosition())
	return e, nil
}

// rebuildIndex replays committed records between the index's durable
// checkpoint and the log tail through the same commit path live writes take.
func (e *Engine) rebuildIndex() error {
	ctx := context.Background()
	from := e.index.BuiltToPosition()
	tail := e.log.TailPosition()
	if from >= tail {
		return nil
	}
	e.logger.Info("Rebuilding index from log", "from", from, "to", tail)

	sr, err := e.log.NewReader()
	if err != nil {
		return err
	}
	defer sr.Close()
	sr.Reposition(from)

	var batch []*core.LogRecord
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := e.writer.CommitPrepares(ctx, batch)
		batch = batch[:0]
		return err
	}

	replayed := 0
	for {
		rec, ok, err := sr.TryReadNext()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		replayed++
		switch {
		case rec.IsPrepare() && rec.Flags.Has(core.PrepareFlagIsCommitted):
			if len(batch) > 0 && batch[0].TransactionPos != rec.TransactionPos {
				if err := flush(); err != nil {
					return err
				}
			}
			batch = append(batch, rec)
			if rec.Flags.Has(core.PrepareFlagTransactionEnd) {
				if err := flush(); err != nil {
					return err
				}
			}
		case rec.IsCommit():
			if err := flush(); err != nil {
				return err
			}
			if err := e.writer.Commit(ctx, rec); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	e.logger.Info("Index rebuild complete", "records", replayed, "built_to", e.index.BuiltToPosition())
	return nil
}

// SetMetrics publishes the engine's counters and its components' counters on
// the given expvar map.
func (e *Engine) SetMetrics(m *expvar.Map) {
	if m == nil {
		return
	}
	m.Set("appends", e.appends)
	m.Set("reads", e.reads)
	e.state.SetMetrics(m)

	borrows, waits := new(expvar.Int), new(expvar.Int)
	e.pool.SetMetrics(borrows, waits)
	m.Set("reader_borrows", borrows)
	m.Set("reader_waits", waits)
}

// Flush forces the log and the index to durable storage.
func (e *Engine) Flush() error {
	if err := e.log.Flush(); err != nil {
		return err
	}
	return e.index.Flush()
}

// Close flushes and shuts the engine down. Further calls are no-ops.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	e.hooks.Stop()
	e.closeStorage()
	e.logger.Info("Engine closed")
	return nil
}

func (e *Engine) closeStorage() {
	if e.pool != nil {
		e.pool.Close()
	}
	if e.index != nil {
		if err := e.index.Close(); err != nil {
			e.logger.Error("Failed to close table index", "error", err)
		}
	}
	if e.log != nil {
		if err := e.log.Close(); err != nil {
			e.logger.Error("Failed to close transaction log", "error", err)
		}
	}
}
