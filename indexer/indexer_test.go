package indexer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/calderadb/caldera/core"
	"github.com/calderadb/caldera/tableindex"
	"github.com/calderadb/caldera/tlog"
)

type testEngine struct {
	backend *Backend
	state   *State
	reader  *Reader
	writer  *Writer
	clock   *time.Time
}

type engineOption func(*Backend, *StateOptions)

func withHasher(h core.StreamHasher) engineOption {
	return func(b *Backend, _ *StateOptions) { b.Hasher = h }
}

func withCommitChecks() engineOption {
	return func(b *Backend, _ *StateOptions) { b.AdditionalCommitChecks = true }
}

func withIdempotencyCapacity(n int) engineOption {
	return func(_ *Backend, o *StateOptions) { o.IdempotencyCapacity = n }
}

func newTestEngine(t *testing.T, opts ...engineOption) *testEngine {
	t.Helper()
	dir := t.TempDir()

	log, err := tlog.Open(tlog.Options{
		Dir:      filepath.Join(dir, "log"),
		SyncMode: tlog.SyncDisabled,
	})
	require.NoError(t, err)
	pool, err := tlog.NewReaderPool(log, 4)
	require.NoError(t, err)
	idx, err := tableindex.Open(tableindex.Options{Dir: filepath.Join(dir, "index")})
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Close()
		require.NoError(t, idx.Close())
		require.NoError(t, log.Close())
	})

	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	b := &Backend{
		Log:     log,
		Readers: pool,
		Index:   idx,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:     func() time.Time { return clock },
	}
	stateOpts := StateOptions{IdempotencyCapacity: 1024, StreamStateCapacity: 256}
	for _, opt := range opts {
		opt(b, &stateOpts)
	}

	state := NewState(stateOpts)
	writer := NewWriter(b, state)
	return &testEngine{
		backend: b,
		state:   state,
		reader:  writer.r,
		writer:  writer,
		clock:   &clock,
	}
}

type testEvent struct {
	id   core.EventID
	typ  string
	data []byte
}

func newEvents(n int) []testEvent {
	events := make([]testEvent, n)
	for i := range events {
		events[i] = testEvent{id: uuid.New(), typ: "test-event", data: []byte(`{"n":1}`)}
	}
	return events
}

func ids(events []testEvent) []core.EventID {
	out := make([]core.EventID, len(events))
	for i, ev := range events {
		out[i] = ev.id
	}
	return out
}

// appendBatch writes one single-phase batch of prepares and commits it.
// currentVersion is the stream's version before the batch.
func (e *testEngine) appendBatch(t *testing.T, stream core.StreamID, currentVersion int64, events []testEvent) {
	t.Helper()
	txPos := e.backend.Log.TailPosition()
	recs := make([]*core.LogRecord, len(events))
	for i, ev := range events {
		flags := core.PrepareFlagData | core.PrepareFlagIsCommitted | core.PrepareFlagIsJSON
		if i == 0 {
			flags |= core.PrepareFlagTransactionBegin
		}
		if i == len(events)-1 {
			flags |= core.PrepareFlagTransactionEnd
		}
		rec := &core.LogRecord{
			Kind:            core.LogRecordPrepare,
			StreamID:        stream,
			EventID:         ev.id,
			ExpectedVersion: currentVersion,
			TransactionPos:  txPos,
			TransactionOff:  int64(i),
			Flags:           flags,
			EventType:       ev.typ,
			Data:            ev.data,
			Timestamp:       e.backend.Now(),
		}
		pos, err := e.backend.Log.Append(rec)
		require.NoError(t, err)
		rec.Position = pos
		recs[i] = rec
	}
	require.NoError(t, e.writer.CommitPrepares(context.Background(), recs))
}

// append admits and writes events the way the engine's append path does.
func (e *testEngine) append(t *testing.T, stream core.StreamID, expectedVersion int64, events []testEvent) core.CommitDecision {
	t.Helper()
	decision, err := e.writer.CheckCommit(context.Background(), stream, expectedVersion, ids(events))
	require.NoError(t, err)
	if decision.Kind == core.CommitOk {
		e.appendBatch(t, stream, decision.CurrentVersion, events)
	}
	return decision
}

func (e *testEngine) setMetadata(t *testing.T, stream core.StreamID, meta core.StreamMetadata) {
	t.Helper()
	data, err := json.Marshal(meta)
	require.NoError(t, err)
	metaStream := stream.MetaStream()
	last, err := e.reader.GetStreamLastEventNumber(context.Background(), metaStream)
	require.NoError(t, err)
	e.appendBatch(t, metaStream, last, []testEvent{{id: uuid.New(), typ: core.EventTypeStreamMetadata, data: data}})
}

// hardDelete appends and commits a tombstone for stream.
func (e *testEngine) hardDelete(t *testing.T, stream core.StreamID, currentVersion int64) {
	t.Helper()
	txPos := e.backend.Log.TailPosition()
	rec := &core.LogRecord{
		Kind:            core.LogRecordPrepare,
		StreamID:        stream,
		EventID:         uuid.New(),
		ExpectedVersion: currentVersion,
		TransactionPos:  txPos,
		Flags: core.PrepareFlagStreamDelete | core.PrepareFlagIsCommitted |
			core.PrepareFlagTransactionBegin | core.PrepareFlagTransactionEnd,
		Timestamp: e.backend.Now(),
	}
	pos, err := e.backend.Log.Append(rec)
	require.NoError(t, err)
	rec.Position = pos
	require.NoError(t, e.writer.CommitPrepares(context.Background(), []*core.LogRecord{rec}))
}

func int64p(v int64) *int64 { return &v }

func durationp(d time.Duration) *time.Duration { return &d }
