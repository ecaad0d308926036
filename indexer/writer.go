package indexer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/calderadb/caldera/core"
	"github.com/calderadb/caldera/hooks"
	"github.com/calderadb/caldera/tlog"
)

// Writer is the commit-admission and post-commit side of the index engine.
// Exactly one goroutine, the committer, may use it; it is the only writer of
// the index, the idempotency cache and the authoritative stream states.
type Writer struct {
	b     *Backend
	r     *Reader
	state *State
}

var _ StreamWriter = (*Writer)(nil)

// NewWriter creates the Writer sharing resolution logic and state with the
// read side.
func NewWriter(b *Backend, state *State) *Writer {
	b.normalize()
	return &Writer{b: b, r: NewReader(b, state), state: state}
}

// CheckCommit decides the fate of a write request before anything is
// appended to the log.
func (w *Writer) CheckCommit(ctx context.Context, streamID core.StreamID, expectedVersion int64, eventIDs []core.EventID) (core.CommitDecision, error) {
	ctx, span := w.b.Tracer.Start(ctx, "indexer.CheckCommit")
	defer span.End()

	if streamID == "" || streamID == core.AllStream {
		return core.CommitDecision{}, core.ErrInvalidStream
	}
	if expectedVersion < core.ExpectedVersionAny {
		return core.CommitDecision{}, fmt.Errorf("%w: %d", core.ErrInvalidExpectedVersion, expectedVersion)
	}

	sr, release, err := w.r.borrow(ctx)
	if err != nil {
		return core.CommitDecision{}, err
	}
	defer release()

	cur, err := w.r.lastEventNumber(ctx, sr, streamID)
	if err != nil {
		return core.CommitDecision{}, err
	}
	if cur == core.EventNumberDeletedStream {
		return core.DecisionDeleted(), nil
	}
	meta, err := w.r.metadata(ctx, sr, streamID)
	if err != nil {
		return core.CommitDecision{}, err
	}
	soft := meta.IsSoftDeleted()

	switch {
	case expectedVersion == core.ExpectedVersionAny:
		return w.checkAny(streamID, eventIDs, cur, soft), nil
	case expectedVersion == cur:
		return core.DecisionOk(cur, soft), nil
	case expectedVersion > cur:
		return core.DecisionWrongExpectedVersion(cur), nil
	default:
		return w.checkOverlap(ctx, sr, streamID, expectedVersion, eventIDs, cur, soft)
	}
}

// checkAny admits an order-independent write. The idempotency cache is the
// only horizon consulted: an unknown first id means a fresh write, a known
// first id must be followed by the whole batch in order or the retry is
// declared corrupted.
func (w *Writer) checkAny(streamID core.StreamID, eventIDs []core.EventID, cur int64, soft bool) core.CommitDecision {
	if len(eventIDs) == 0 {
		return core.DecisionOk(cur, soft)
	}
	first, known := w.state.lookupEvent(eventIDs[0])
	if !known {
		return core.DecisionOk(cur, soft)
	}
	if first.StreamID != streamID {
		return core.DecisionCorrupted(cur)
	}
	for i, id := range eventIDs[1:] {
		rec, ok := w.state.lookupEvent(id)
		if !ok || rec.StreamID != streamID || rec.EventNumber != first.EventNumber+int64(i)+1 {
			return core.DecisionCorrupted(cur)
		}
	}
	return core.DecisionIdempotent(cur, first.EventNumber, first.EventNumber+int64(len(eventIDs))-1)
}

// checkOverlap handles expectedVersion below the current version: either the
// request is a full replay of already-committed events (idempotent), a stale
// writer (wrong expected version), a resurrection of a soft-deleted stream,
// or a half-applied retry (corrupted).
func (w *Writer) checkOverlap(ctx context.Context, sr tlog.SequentialReader, streamID core.StreamID, expectedVersion int64, eventIDs []core.EventID, cur int64, soft bool) (core.CommitDecision, error) {
	if len(eventIDs) == 0 {
		return core.DecisionWrongExpectedVersion(cur), nil
	}
	for i, id := range eventIDs {
		number := expectedVersion + 1 + int64(i)
		match := false
		if rec, ok := w.state.lookupEvent(id); ok {
			match = rec.StreamID == streamID && rec.EventNumber == number
		} else if number <= cur {
			prep, found, err := w.r.findRecord(ctx, sr, streamID, number)
			if err != nil {
				return core.CommitDecision{}, err
			}
			match = found && prep.EventID == id
		}
		if match {
			continue
		}
		if i > 0 {
			return core.DecisionCorrupted(cur), nil
		}
		if expectedVersion == core.ExpectedVersionNoStream && soft {
			return core.DecisionOk(cur, true), nil
		}
		return core.DecisionWrongExpectedVersion(cur), nil
	}
	return core.DecisionIdempotent(cur, expectedVersion+1, expectedVersion+int64(len(eventIDs))), nil
}

// PreCommit stages the prepares of an open transaction in the transaction
// cache, pinned to the transaction's first position.
func (w *Writer) PreCommit(prepares []*core.LogRecord) {
	for _, p := range prepares {
		if !p.IsPrepare() {
			continue
		}
		info := core.TransactionInfo{
			TransactionPos: p.TransactionPos,
			TransactionOff: p.TransactionOff,
			StreamID:       p.StreamID,
		}
		if cached, ok := w.state.transactions.TryGet(p.TransactionPos); ok {
			if prev := cached.(core.TransactionInfo); prev.TransactionOff > info.TransactionOff {
				info.TransactionOff = prev.TransactionOff
			}
		}
		w.state.transactions.Put(p.TransactionPos, info, p.TransactionPos)
	}
}

// resolvedEvent pairs a data prepare with the event number the commit fixed
// for it.
type resolvedEvent struct {
	rec    *core.LogRecord
	number int64
}

// CommitPrepares processes single-phase writes: prepares that carry
// PrepareFlagIsCommitted and fix their own event numbers.
func (w *Writer) CommitPrepares(ctx context.Context, prepares []*core.LogRecord) error {
	ctx, span := w.b.Tracer.Start(ctx, "indexer.CommitPrepares")
	defer span.End()

	if len(prepares) == 0 {
		return nil
	}
	streamID := prepares[0].StreamID
	events := make([]resolvedEvent, 0, len(prepares))
	for _, p := range prepares {
		if !p.IsPrepare() || !p.Flags.Has(core.PrepareFlagIsCommitted) {
			return fmt.Errorf("record at %d is not an implicitly committed prepare", p.Position)
		}
		if p.StreamID != streamID {
			return fmt.Errorf("prepare at %d targets stream %q, batch targets %q", p.Position, p.StreamID, streamID)
		}
		number := p.ExpectedVersion + 1 + p.TransactionOff
		if p.Flags.Has(core.PrepareFlagStreamDelete) {
			number = core.EventNumberDeletedStream
		}
		events = append(events, resolvedEvent{rec: p, number: number})
	}

	sr, release, err := w.r.borrow(ctx)
	if err != nil {
		return err
	}
	defer release()

	lastPos := prepares[len(prepares)-1].Position
	atTail, err := isLastInLog(sr, lastPos)
	if err != nil {
		return err
	}
	return w.processCommit(ctx, sr, streamID, events, lastPos, atTail)
}

// Commit processes an explicit commit record: its transaction's prepares are
// re-read from the log and their event numbers derived from the commit's
// first event number.
func (w *Writer) Commit(ctx context.Context, commit *core.LogRecord) error {
	ctx, span := w.b.Tracer.Start(ctx, "indexer.Commit")
	defer span.End()

	if !commit.IsCommit() {
		return fmt.Errorf("record at %d is not a commit", commit.Position)
	}

	sr, release, err := w.r.borrow(ctx)
	if err != nil {
		return err
	}
	defer release()

	var streamID core.StreamID
	var events []resolvedEvent
	sr.Reposition(commit.TransactionPos)
	for {
		rec, ok, err := sr.TryReadNext()
		if err != nil {
			return err
		}
		if !ok || rec.Position >= commit.Position {
			break
		}
		if !rec.IsPrepare() || rec.TransactionPos != commit.TransactionPos {
			continue
		}
		streamID = rec.StreamID
		if rec.Flags.Has(core.PrepareFlagStreamDelete) {
			events = append(events, resolvedEvent{rec: rec, number: core.EventNumberDeletedStream})
		} else if rec.Flags.Has(core.PrepareFlagData) {
			events = append(events, resolvedEvent{rec: rec, number: commit.FirstEventNumber + rec.TransactionOff})
		}
		if rec.Flags.Has(core.PrepareFlagTransactionEnd) {
			break
		}
	}
	if len(events) == 0 {
		return fmt.Errorf("commit at %d references no prepares at transaction position %d", commit.Position, commit.TransactionPos)
	}

	atTail, err := isLastInLog(sr, commit.Position)
	if err != nil {
		return err
	}
	return w.processCommit(ctx, sr, streamID, events, commit.Position, atTail)
}

// isLastInLog reports whether no record follows the one at pos.
func isLastInLog(sr tlog.SequentialReader, pos int64) (bool, error) {
	sr.Reposition(pos)
	if _, ok, err := sr.TryReadNext(); err != nil || !ok {
		return false, err
	}
	_, ok, err := sr.TryReadNext()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// processCommit applies one commit to the index and caches and publishes the
// per-event notifications. commitPos is the position the index build state
// advances to.
func (w *Writer) processCommit(ctx context.Context, sr tlog.SequentialReader, streamID core.StreamID, events []resolvedEvent, commitPos int64, atTail bool) error {
	if w.b.AdditionalCommitChecks {
		if err := w.verifyCommit(ctx, sr, streamID, events); err != nil {
			return err
		}
	}

	hash := w.b.Hasher.Hash(streamID)
	entries := make([]core.IndexEntry, len(events))
	for i, ev := range events {
		entries[i] = core.IndexEntry{Hash: hash, Number: ev.number, Position: ev.rec.Position}
	}
	if err := w.b.Index.AddEntries(commitPos, entries); err != nil {
		return err
	}

	last := events[len(events)-1].number
	for _, ev := range events {
		if ev.number != core.EventNumberDeletedStream {
			w.state.rememberEvent(ev.rec.EventID, streamID, ev.number)
		}
	}

	// Authoritative stream-state update; any concurrent reader proposal for
	// this stream is now stale and will be discarded by the version check.
	key := string(streamID)
	var st streamState
	if _, cached, ok := w.state.streams.TryGet(key); ok {
		st = cached.(streamState)
	}
	st.HasLast = true
	st.LastNumber = last
	w.state.streams.PutAuthoritative(key, st)

	if streamID.IsMeta() {
		w.invalidateOwnerMetadata(streamID.OriginalStream())
	}
	if streamID == core.SettingsStream {
		w.reloadSettings(events[len(events)-1].rec)
	}

	w.state.commits.Put(commitPos, streamID, commitPos)

	for i, ev := range events {
		w.b.Hooks.Trigger(ctx, hooks.NewCommittedEvent(hooks.CommittedPayload{
			StreamID:    streamID,
			EventNumber: ev.number,
			Position:    ev.rec.Position,
			IsEndOfLog:  atTail && i == len(events)-1,
		}))
	}
	return nil
}

// verifyCommit cross-checks numbering before the index is touched: events
// must extend the stream contiguously and none may already be indexed. A
// violation means the log and index disagree and continuing would corrupt
// the index, so it is fatal.
func (w *Writer) verifyCommit(ctx context.Context, sr tlog.SequentialReader, streamID core.StreamID, events []resolvedEvent) error {
	cur, err := w.r.lastEventNumber(ctx, sr, streamID)
	if err != nil {
		return err
	}
	next := cur + 1
	for _, ev := range events {
		if ev.number == core.EventNumberDeletedStream {
			continue
		}
		if ev.number != next {
			return core.NewCorruptionError("commit",
				"stream %q: event %s numbered %d, expected %d", streamID, ev.rec.EventID, ev.number, next)
		}
		if prep, found, err := w.r.findRecord(ctx, sr, streamID, ev.number); err != nil {
			return err
		} else if found {
			return core.NewCorruptionError("commit",
				"stream %q: event number %d already indexed at position %d", streamID, ev.number, prep.Position)
		}
		next++
	}
	return nil
}

// invalidateOwnerMetadata forces the owner stream's next metadata lookup down
// the slow path; the reader re-derives it from the metastream's last event.
func (w *Writer) invalidateOwnerMetadata(owner core.StreamID) {
	if owner == "" {
		return
	}
	key := string(owner)
	_, cached, ok := w.state.streams.TryGet(key)
	if !ok {
		return
	}
	st := cached.(streamState)
	st.Meta = nil
	w.state.streams.PutAuthoritative(key, st)
}

// reloadSettings re-parses the system ACL defaults from a settings-stream
// commit. A malformed payload logs and falls back to the built-in defaults
// rather than failing the commit.
func (w *Writer) reloadSettings(rec *core.LogRecord) {
	var s core.SystemSettings
	if err := json.Unmarshal(rec.Data, &s); err != nil {
		w.b.Logger.Warn("unparsable system settings, using built-in defaults",
			"position", rec.Position, "error", err)
		s = core.DefaultSystemSettings()
	}
	w.state.settings.Store(&s)
	w.b.Logger.Info("system settings updated", "position", rec.Position)
}

// UpdateTransactionInfo records the progress of an open transaction.
func (w *Writer) UpdateTransactionInfo(transactionPos int64, info core.TransactionInfo) {
	w.state.transactions.Put(transactionPos, info, transactionPos)
}

// GetTransactionInfo returns the bookkeeping of an open transaction. On a
// cache miss the transaction's prepares are re-read from the log, up to but
// excluding writerCheckpoint.
func (w *Writer) GetTransactionInfo(ctx context.Context, writerCheckpoint, transactionPos int64) (core.TransactionInfo, error) {
	if cached, ok := w.state.transactions.TryGet(transactionPos); ok {
		return cached.(core.TransactionInfo), nil
	}

	sr, release, err := w.r.borrow(ctx)
	if err != nil {
		return core.TransactionInfo{}, err
	}
	defer release()

	info := core.TransactionInfo{TransactionPos: transactionPos, TransactionOff: -1}
	sr.Reposition(transactionPos)
	for {
		rec, ok, err := sr.TryReadNext()
		if err != nil {
			return core.TransactionInfo{}, err
		}
		if !ok || rec.Position >= writerCheckpoint {
			break
		}
		if !rec.IsPrepare() || rec.TransactionPos != transactionPos {
			continue
		}
		info.StreamID = rec.StreamID
		if rec.TransactionOff > info.TransactionOff {
			info.TransactionOff = rec.TransactionOff
		}
		if rec.Flags.Has(core.PrepareFlagTransactionEnd) {
			break
		}
	}
	if info.StreamID == "" {
		return core.TransactionInfo{}, fmt.Errorf("no transaction at position %d", transactionPos)
	}
	w.state.transactions.Put(transactionPos, info, transactionPos)
	return info, nil
}

// PurgeNotProcessedCommitsTill drops commit bookkeeping at or below
// checkpoint.
func (w *Writer) PurgeNotProcessedCommitsTill(checkpoint int64) {
	w.state.commits.Unpin(checkpoint)
}

// PurgeNotProcessedTransactions drops transaction bookkeeping at or below
// checkpoint.
func (w *Writer) PurgeNotProcessedTransactions(checkpoint int64) {
	w.state.transactions.Unpin(checkpoint)
}
