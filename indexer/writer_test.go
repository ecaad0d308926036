package indexer

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calderadb/caldera/core"
	"github.com/calderadb/caldera/hooks"
)

func TestCheckCommitFreshStream(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	events := newEvents(2)

	decision, err := e.writer.CheckCommit(ctx, "orders-1", core.ExpectedVersionNoStream, ids(events))
	require.NoError(t, err)
	assert.Equal(t, core.CommitOk, decision.Kind)
	assert.Equal(t, int64(-1), decision.CurrentVersion)
	assert.False(t, decision.SoftDeleted)

	// Expecting event 0 to exist on an absent stream is a version conflict.
	decision, err = e.writer.CheckCommit(ctx, "orders-1", 0, ids(events))
	require.NoError(t, err)
	assert.Equal(t, core.CommitWrongExpectedVersion, decision.Kind)

	_, err = e.writer.CheckCommit(ctx, "", core.ExpectedVersionAny, nil)
	assert.ErrorIs(t, err, core.ErrInvalidStream)
	_, err = e.writer.CheckCommit(ctx, core.AllStream, core.ExpectedVersionAny, nil)
	assert.ErrorIs(t, err, core.ErrInvalidStream)
	_, err = e.writer.CheckCommit(ctx, "orders-1", -3, nil)
	assert.ErrorIs(t, err, core.ErrInvalidExpectedVersion)
}

func TestCheckCommitIdempotentReplay(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	events := newEvents(2)

	decision := e.append(t, "orders-1", core.ExpectedVersionNoStream, events)
	require.Equal(t, core.CommitOk, decision.Kind)

	// Full replay with the same expected version returns the original range.
	decision, err := e.writer.CheckCommit(ctx, "orders-1", core.ExpectedVersionNoStream, ids(events))
	require.NoError(t, err)
	assert.Equal(t, core.CommitIdempotent, decision.Kind)
	assert.Equal(t, int64(0), decision.StartEventNumber)
	assert.Equal(t, int64(1), decision.EndEventNumber)
	assert.Equal(t, int64(1), decision.CurrentVersion)

	// Replay with ExpectedVersionAny recognizes the ids as well.
	decision, err = e.writer.CheckCommit(ctx, "orders-1", core.ExpectedVersionAny, ids(events))
	require.NoError(t, err)
	assert.Equal(t, core.CommitIdempotent, decision.Kind)
	assert.Equal(t, int64(0), decision.StartEventNumber)

	// Fresh ids with ExpectedVersionAny are a new write.
	decision, err = e.writer.CheckCommit(ctx, "orders-1", core.ExpectedVersionAny, ids(newEvents(1)))
	require.NoError(t, err)
	assert.Equal(t, core.CommitOk, decision.Kind)
	assert.Equal(t, int64(1), decision.CurrentVersion)
}

func TestCheckCommitPartialOverlapIsCorrupted(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	events := newEvents(2)
	e.append(t, "orders-1", core.ExpectedVersionNoStream, events)

	// First id replayed, second id fresh: the retry is half-applied.
	mixed := []core.EventID{events[0].id, uuid.New()}
	decision, err := e.writer.CheckCommit(ctx, "orders-1", core.ExpectedVersionNoStream, mixed)
	require.NoError(t, err)
	assert.Equal(t, core.CommitCorruptedIdempotency, decision.Kind)

	// Same shape under ExpectedVersionAny.
	decision, err = e.writer.CheckCommit(ctx, "orders-1", core.ExpectedVersionAny, mixed)
	require.NoError(t, err)
	assert.Equal(t, core.CommitCorruptedIdempotency, decision.Kind)
}

func TestCheckCommitFallsBackToIndexBeyondCacheHorizon(t *testing.T) {
	// With room for only two ids, the first committed id ages out of the
	// idempotency cache and the replay check must resolve it from the index.
	e := newTestEngine(t, withIdempotencyCapacity(2))
	ctx := context.Background()
	events := newEvents(3)
	e.append(t, "orders-1", core.ExpectedVersionNoStream, events)

	_, ok := e.state.lookupEvent(events[0].id)
	require.False(t, ok, "oldest id should have been evicted")

	decision, err := e.writer.CheckCommit(ctx, "orders-1", core.ExpectedVersionNoStream, ids(events))
	require.NoError(t, err)
	assert.Equal(t, core.CommitIdempotent, decision.Kind)
	assert.Equal(t, int64(0), decision.StartEventNumber)
	assert.Equal(t, int64(2), decision.EndEventNumber)
}

func TestCheckCommitMonotonicNumbering(t *testing.T) {
	e := newTestEngine(t)

	decision := e.append(t, "orders-1", core.ExpectedVersionNoStream, newEvents(1))
	require.Equal(t, core.CommitOk, decision.Kind)
	decision = e.append(t, "orders-1", 0, newEvents(1))
	require.Equal(t, core.CommitOk, decision.Kind)
	assert.Equal(t, int64(0), decision.CurrentVersion)

	last, err := e.reader.GetStreamLastEventNumber(context.Background(), "orders-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), last)

	// A stale writer expecting the old version is rejected.
	decision = e.append(t, "orders-1", 0, newEvents(1))
	assert.Equal(t, core.CommitWrongExpectedVersion, decision.Kind)
	assert.Equal(t, int64(1), decision.CurrentVersion)
}

func TestHardDeletedStreamRejectsWrites(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.append(t, "orders-1", core.ExpectedVersionNoStream, newEvents(1))
	e.hardDelete(t, "orders-1", 0)

	decision, err := e.writer.CheckCommit(ctx, "orders-1", core.ExpectedVersionAny, ids(newEvents(1)))
	require.NoError(t, err)
	assert.Equal(t, core.CommitDeleted, decision.Kind)

	result, err := e.reader.ReadEvent(ctx, "orders-1", 0)
	require.NoError(t, err)
	assert.Equal(t, core.ReadStreamDeleted, result.Status)
}

func TestSoftDeleteAndResurrection(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.append(t, "orders-1", core.ExpectedVersionNoStream, newEvents(2))
	e.setMetadata(t, "orders-1", core.StreamMetadata{}.SoftDeleted())

	result, err := e.reader.ReadStreamForward(ctx, "orders-1", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, core.ReadNoStream, result.Status)

	// A NoStream write resurrects: numbering continues after the old events.
	decision, err := e.writer.CheckCommit(ctx, "orders-1", core.ExpectedVersionNoStream, ids(newEvents(1)))
	require.NoError(t, err)
	require.Equal(t, core.CommitOk, decision.Kind)
	assert.True(t, decision.SoftDeleted)
	assert.Equal(t, int64(1), decision.CurrentVersion)

	revived := newEvents(1)
	e.appendBatch(t, "orders-1", decision.CurrentVersion, revived)
	e.setMetadata(t, "orders-1", core.StreamMetadata{TruncateBefore: int64p(2)})

	result, err = e.reader.ReadStreamForward(ctx, "orders-1", 0, 10)
	require.NoError(t, err)
	require.Equal(t, core.ReadSuccess, result.Status)
	require.Len(t, result.Events, 1)
	assert.Equal(t, int64(2), result.Events[0].EventNumber)
	assert.Equal(t, revived[0].id, result.Events[0].EventID)
}

func TestAdditionalCommitChecks(t *testing.T) {
	e := newTestEngine(t, withCommitChecks())
	e.append(t, "orders-1", core.ExpectedVersionNoStream, newEvents(1))

	// A batch numbered with a gap must be refused before touching the index.
	bad := newEvents(1)
	txPos := e.backend.Log.TailPosition()
	rec := &core.LogRecord{
		Kind:            core.LogRecordPrepare,
		StreamID:        "orders-1",
		EventID:         bad[0].id,
		ExpectedVersion: 5, // stream is at 0
		TransactionPos:  txPos,
		Flags: core.PrepareFlagData | core.PrepareFlagIsCommitted |
			core.PrepareFlagTransactionBegin | core.PrepareFlagTransactionEnd,
		EventType: bad[0].typ,
		Data:      bad[0].data,
		Timestamp: e.backend.Now(),
	}
	pos, err := e.backend.Log.Append(rec)
	require.NoError(t, err)
	rec.Position = pos

	err = e.writer.CommitPrepares(context.Background(), []*core.LogRecord{rec})
	require.Error(t, err)
	assert.True(t, core.IsCorruption(err))

	// A correctly numbered batch still goes through.
	e.append(t, "orders-1", 0, newEvents(1))
}

func TestCommittedNotifications(t *testing.T) {
	e := newTestEngine(t)
	manager := hooks.NewManager(e.backend.Logger)
	defer manager.Stop()
	e.backend.Hooks = manager

	var payloads []hooks.CommittedPayload
	manager.Register(hooks.EventCommitted, hooks.FuncListener(func(ctx context.Context, event hooks.Event) error {
		payloads = append(payloads, event.Payload().(hooks.CommittedPayload))
		return nil
	}))

	e.append(t, "orders-1", core.ExpectedVersionNoStream, newEvents(2))

	require.Len(t, payloads, 2)
	assert.Equal(t, core.StreamID("orders-1"), payloads[0].StreamID)
	assert.Equal(t, int64(0), payloads[0].EventNumber)
	assert.False(t, payloads[0].IsEndOfLog)
	assert.Equal(t, int64(1), payloads[1].EventNumber)
	assert.True(t, payloads[1].IsEndOfLog, "last entry of the commit at the log tail")
}

func TestTwoPhaseCommit(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	events := newEvents(2)

	txPos := e.backend.Log.TailPosition()
	recs := make([]*core.LogRecord, len(events))
	for i, ev := range events {
		flags := core.PrepareFlagData
		if i == 0 {
			flags |= core.PrepareFlagTransactionBegin
		}
		if i == len(events)-1 {
			flags |= core.PrepareFlagTransactionEnd
		}
		rec := &core.LogRecord{
			Kind:            core.LogRecordPrepare,
			StreamID:        "orders-1",
			EventID:         ev.id,
			ExpectedVersion: core.ExpectedVersionNoStream,
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
	e.writer.PreCommit(recs)

	info, err := e.writer.GetTransactionInfo(ctx, e.backend.Log.TailPosition(), txPos)
	require.NoError(t, err)
	assert.Equal(t, core.StreamID("orders-1"), info.StreamID)
	assert.Equal(t, int64(1), info.TransactionOff)

	commit := &core.LogRecord{
		Kind:             core.LogRecordCommit,
		TransactionPos:   txPos,
		FirstEventNumber: 0,
		Timestamp:        e.backend.Now(),
	}
	pos, err := e.backend.Log.Append(commit)
	require.NoError(t, err)
	commit.Position = pos
	require.NoError(t, e.writer.Commit(ctx, commit))

	result, err := e.reader.ReadStreamForward(ctx, "orders-1", 0, 10)
	require.NoError(t, err)
	require.Equal(t, core.ReadSuccess, result.Status)
	require.Len(t, result.Events, 2)
	assert.Equal(t, events[0].id, result.Events[0].EventID)
	assert.Equal(t, int64(1), result.Events[1].EventNumber)

	stream, err := e.reader.GetEventStreamIDByTransactionID(ctx, txPos)
	require.NoError(t, err)
	assert.Equal(t, core.StreamID("orders-1"), stream)
}

func TestTransactionInfoRebuiltFromLog(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	txPos := e.backend.Log.TailPosition()
	rec := &core.LogRecord{
		Kind:           core.LogRecordPrepare,
		StreamID:       "orders-1",
		EventID:        uuid.New(),
		TransactionPos: txPos,
		TransactionOff: 0,
		Flags:          core.PrepareFlagData | core.PrepareFlagTransactionBegin,
		EventType:      "test-event",
		Timestamp:      e.backend.Now(),
	}
	pos, err := e.backend.Log.Append(rec)
	require.NoError(t, err)
	rec.Position = pos

	// Nothing cached: the scan up to the writer checkpoint reconstructs it.
	info, err := e.writer.GetTransactionInfo(ctx, e.backend.Log.TailPosition(), txPos)
	require.NoError(t, err)
	assert.Equal(t, core.StreamID("orders-1"), info.StreamID)
	assert.Equal(t, int64(0), info.TransactionOff)

	e.writer.PurgeNotProcessedTransactions(e.backend.Log.TailPosition())
	_, ok := e.state.transactions.TryGet(txPos)
	assert.False(t, ok)

	_, err = e.writer.GetTransactionInfo(ctx, e.backend.Log.TailPosition(), txPos+1_000_000)
	assert.Error(t, err)
}
