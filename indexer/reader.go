package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/calderadb/caldera/core"
	"github.com/calderadb/caldera/hooks"
	"github.com/calderadb/caldera/tlog"
)

// Reader is the concurrent read side of the index engine.
type Reader struct {
	b     *Backend
	state *State
}

var _ StreamReader = (*Reader)(nil)

// NewReader creates a Reader over the given backend and shared state.
func NewReader(b *Backend, state *State) *Reader {
	b.normalize()
	return &Reader{b: b, state: state}
}

func (r *Reader) borrow(ctx context.Context) (tlog.SequentialReader, func(), error) {
	sr, err := r.b.Readers.Borrow(ctx)
	if err != nil {
		return nil, nil, err
	}
	return sr, func() { r.b.Readers.Release(sr) }, nil
}

// recordAt loads the record an index entry points at. A missing record means
// the index references a position past the written log, which is corruption.
func (r *Reader) recordAt(sr tlog.SequentialReader, pos int64) (*core.LogRecord, error) {
	rec, ok, err := sr.TryReadAt(pos)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.NewCorruptionError("read", "index entry points at position %d beyond the log tail", pos)
	}
	return rec, nil
}

// findRecord resolves the prepare of (streamID, number) through the index,
// verifying the stream name against the record because colliding streams
// share index buckets. Candidates that belong to a colliding stream are
// skipped and counted.
func (r *Reader) findRecord(ctx context.Context, sr tlog.SequentialReader, streamID core.StreamID, number int64) (*core.LogRecord, bool, error) {
	hash := r.b.Hasher.Hash(streamID)
	entries, err := r.b.Index.GetRange(hash, number, number, 0)
	if err != nil {
		return nil, false, err
	}
	for _, entry := range entries {
		rec, err := r.recordAt(sr, entry.Position)
		if err != nil {
			return nil, false, err
		}
		if rec.StreamID == streamID {
			return rec, true, nil
		}
		r.noteCollision(ctx, streamID, hash)
	}
	return nil, false, nil
}

func (r *Reader) noteCollision(ctx context.Context, wanted core.StreamID, hash core.StreamHash) {
	r.state.collisions.Add(1)
	r.b.Hooks.Trigger(ctx, hooks.NewHashCollisionEvent(hooks.HashCollisionPayload{
		Hash:     hash,
		StreamID: wanted,
	}))
}

// lastEventNumber resolves the stream's last event number, caching the answer
// with an optimistic version check so a concurrent commit wins.
func (r *Reader) lastEventNumber(ctx context.Context, sr tlog.SequentialReader, streamID core.StreamID) (int64, error) {
	key := string(streamID)
	version, cached, ok := r.state.streams.TryGet(key)
	var st streamState
	if ok {
		st = cached.(streamState)
		if st.HasLast {
			return st.LastNumber, nil
		}
	}

	last, err := r.lookupLastEventNumber(ctx, sr, streamID)
	if err != nil {
		return 0, err
	}

	st.HasLast = true
	st.LastNumber = last
	applied := r.state.streams.PutIfVersionMatches(version, key, st)
	if fresh, ok := applied.(streamState); ok && fresh.HasLast {
		return fresh.LastNumber, nil
	}
	return last, nil
}

func (r *Reader) lookupLastEventNumber(ctx context.Context, sr tlog.SequentialReader, streamID core.StreamID) (int64, error) {
	hash := r.b.Hasher.Hash(streamID)
	if !r.b.Index.MayContain(hash) {
		return -1, nil
	}
	entry, found, err := r.b.Index.TryGetLatestEntry(hash)
	if err != nil {
		return 0, err
	}
	if !found {
		return -1, nil
	}
	rec, err := r.recordAt(sr, entry.Position)
	if err != nil {
		return 0, err
	}
	if rec.StreamID == streamID {
		return entry.Number, nil
	}
	r.noteCollision(ctx, streamID, hash)

	// The newest entry under this hash belongs to a colliding stream; walk
	// the whole bucket newest-first until a record of ours shows up.
	entries, err := r.b.Index.GetRange(hash, 0, math.MaxInt64, 0)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		rec, err := r.recordAt(sr, e.Position)
		if err != nil {
			return 0, err
		}
		if rec.StreamID == streamID {
			return e.Number, nil
		}
	}
	return -1, nil
}

// metadata resolves the effective metadata of streamID from the last event of
// its metastream. A missing metastream or an unparsable payload resolves to
// empty metadata; a malformed record must not take the stream offline.
func (r *Reader) metadata(ctx context.Context, sr tlog.SequentialReader, streamID core.StreamID) (core.StreamMetadata, error) {
	key := string(streamID)
	version, cached, ok := r.state.streams.TryGet(key)
	var st streamState
	if ok {
		st = cached.(streamState)
		if st.Meta != nil {
			return *st.Meta, nil
		}
	}

	meta, err := r.lookupMetadata(ctx, sr, streamID)
	if err != nil {
		return core.StreamMetadata{}, err
	}
	r.state.metaReloads.Add(1)

	st.Meta = &meta
	applied := r.state.streams.PutIfVersionMatches(version, key, st)
	if fresh, ok := applied.(streamState); ok && fresh.Meta != nil {
		return *fresh.Meta, nil
	}
	return meta, nil
}

func (r *Reader) lookupMetadata(ctx context.Context, sr tlog.SequentialReader, streamID core.StreamID) (core.StreamMetadata, error) {
	metaStream := streamID.MetaStream()
	last, err := r.lastEventNumber(ctx, sr, metaStream)
	if err != nil {
		return core.StreamMetadata{}, err
	}
	if last < 0 || last == core.EventNumberDeletedStream {
		return core.StreamMetadata{}, nil
	}
	rec, found, err := r.findRecord(ctx, sr, metaStream, last)
	if err != nil || !found {
		return core.StreamMetadata{}, err
	}
	var meta core.StreamMetadata
	if err := json.Unmarshal(rec.Data, &meta); err != nil {
		r.b.Logger.Warn("unparsable stream metadata, using defaults",
			"stream", streamID, "meta_event", last, "error", err)
		return core.StreamMetadata{}, nil
	}
	return meta, nil
}

// ownerDeletion resolves the deletion state a metastream inherits from its
// owner: a metastream is hard- or soft-deleted exactly when its owner is.
// blocked is true when the owner's state overrides the read.
func (r *Reader) ownerDeletion(ctx context.Context, sr tlog.SequentialReader, owner core.StreamID) (status core.ReadEventStatus, blocked bool, err error) {
	last, err := r.lastEventNumber(ctx, sr, owner)
	if err != nil {
		return 0, false, err
	}
	if last == core.EventNumberDeletedStream {
		return core.ReadStreamDeleted, true, nil
	}
	meta, err := r.metadata(ctx, sr, owner)
	if err != nil {
		return 0, false, err
	}
	if meta.IsSoftDeleted() {
		return core.ReadNoStream, true, nil
	}
	return 0, false, nil
}

func (r *Reader) visibleByAge(meta core.StreamMetadata, rec *core.LogRecord) bool {
	if meta.MaxAge == nil {
		return true
	}
	return rec.Timestamp.After(r.b.Now().Add(-*meta.MaxAge))
}

func eventFromRecord(rec *core.LogRecord, number int64) core.EventRecord {
	return core.EventRecord{
		StreamID:    rec.StreamID,
		EventNumber: number,
		EventID:     rec.EventID,
		EventType:   rec.EventType,
		IsJSON:      rec.Flags.Has(core.PrepareFlagIsJSON),
		Data:        rec.Data,
		Metadata:    rec.Metadata,
		LogPosition: rec.Position,
		Timestamp:   rec.Timestamp,
	}
}

func validateStream(streamID core.StreamID) error {
	if streamID == "" {
		return core.ErrInvalidStream
	}
	if streamID == core.AllStream {
		return fmt.Errorf("%w: %q is only readable through ReadAll", core.ErrInvalidStream, streamID)
	}
	return nil
}

// ReadEvent resolves a single event. eventNumber -1 reads the stream's last
// event.
func (r *Reader) ReadEvent(ctx context.Context, streamID core.StreamID, eventNumber int64) (core.ReadEventResult, error) {
	ctx, span := r.b.Tracer.Start(ctx, "indexer.ReadEvent")
	defer span.End()

	if err := validateStream(streamID); err != nil {
		return core.ReadEventResult{}, err
	}
	if eventNumber < -1 {
		return core.ReadEventResult{}, fmt.Errorf("event number %d out of range", eventNumber)
	}

	sr, release, err := r.borrow(ctx)
	if err != nil {
		return core.ReadEventResult{}, err
	}
	defer release()

	result := core.ReadEventResult{StreamID: streamID, Number: eventNumber}

	if streamID.IsMeta() {
		status, blocked, err := r.ownerDeletion(ctx, sr, streamID.OriginalStream())
		if err != nil {
			return result, err
		}
		if blocked {
			result.Status = status
			return result, nil
		}
	}

	last, err := r.lastEventNumber(ctx, sr, streamID)
	if err != nil {
		return result, err
	}
	if last == core.EventNumberDeletedStream {
		result.Status = core.ReadStreamDeleted
		return result, nil
	}
	meta, err := r.metadata(ctx, sr, streamID)
	if err != nil {
		return result, err
	}
	result.Metadata = meta
	if last < 0 || meta.IsSoftDeleted() {
		result.Status = core.ReadNoStream
		return result, nil
	}

	if eventNumber == -1 {
		eventNumber = last
		result.Number = last
	}
	if eventNumber > last || eventNumber < meta.MinVisibleNumber(last) {
		result.Status = core.ReadNotFound
		return result, nil
	}

	rec, found, err := r.findRecord(ctx, sr, streamID, eventNumber)
	if err != nil {
		return result, err
	}
	if !found || !r.visibleByAge(meta, rec) {
		result.Status = core.ReadNotFound
		return result, nil
	}

	event := eventFromRecord(rec, eventNumber)
	result.Status = core.ReadSuccess
	result.Record = &event
	return result, nil
}

// ReadStreamForward reads up to maxCount events of streamID starting at
// fromNumber, ascending.
func (r *Reader) ReadStreamForward(ctx context.Context, streamID core.StreamID, fromNumber int64, maxCount int) (core.ReadStreamResult, error) {
	ctx, span := r.b.Tracer.Start(ctx, "indexer.ReadStreamForward")
	defer span.End()

	if err := validateStream(streamID); err != nil {
		return core.ReadStreamResult{}, err
	}
	if fromNumber < 0 || maxCount <= 0 {
		return core.ReadStreamResult{}, fmt.Errorf("invalid window from=%d count=%d", fromNumber, maxCount)
	}

	sr, release, err := r.borrow(ctx)
	if err != nil {
		return core.ReadStreamResult{}, err
	}
	defer release()

	result := core.ReadStreamResult{
		StreamID:   streamID,
		FromNumber: fromNumber,
		MaxCount:   maxCount,
		LastNumber: -1,
	}

	if streamID.IsMeta() {
		status, blocked, err := r.ownerDeletion(ctx, sr, streamID.OriginalStream())
		if err != nil {
			return result, err
		}
		if blocked {
			result.Status = status
			return result, nil
		}
	}

	last, err := r.lastEventNumber(ctx, sr, streamID)
	if err != nil {
		return result, err
	}
	if last == core.EventNumberDeletedStream {
		result.Status = core.ReadStreamDeleted
		return result, nil
	}
	meta, err := r.metadata(ctx, sr, streamID)
	if err != nil {
		return result, err
	}
	result.Metadata = meta
	if last < 0 || meta.IsSoftDeleted() {
		result.Status = core.ReadNoStream
		return result, nil
	}
	result.LastNumber = last

	endWindow := fromNumber + int64(maxCount) - 1
	if endWindow < fromNumber { // overflow
		endWindow = math.MaxInt64 - 1
	}
	result.IsEndOfStream = endWindow >= last
	if result.IsEndOfStream {
		result.NextNumber = last + 1
	} else {
		result.NextNumber = endWindow + 1
	}

	low := fromNumber
	if min := meta.MinVisibleNumber(last); min > low {
		low = min
	}
	high := endWindow
	if last < high {
		high = last
	}
	if low > high {
		result.Status = core.ReadSuccess
		return result, nil
	}

	events, err := r.collectRange(ctx, sr, streamID, meta, low, high, maxCount)
	if err != nil {
		return result, err
	}
	// collectRange yields newest-first; forward reads want ascending.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	result.Status = core.ReadSuccess
	result.Events = events
	return result, nil
}

// ReadStreamBackward reads up to maxCount events of streamID ending at
// fromNumber, descending. fromNumber -1 starts at the stream's last event.
func (r *Reader) ReadStreamBackward(ctx context.Context, streamID core.StreamID, fromNumber int64, maxCount int) (core.ReadStreamResult, error) {
	ctx, span := r.b.Tracer.Start(ctx, "indexer.ReadStreamBackward")
	defer span.End()

	if err := validateStream(streamID); err != nil {
		return core.ReadStreamResult{}, err
	}
	if fromNumber < -1 || maxCount <= 0 {
		return core.ReadStreamResult{}, fmt.Errorf("invalid window from=%d count=%d", fromNumber, maxCount)
	}

	sr, release, err := r.borrow(ctx)
	if err != nil {
		return core.ReadStreamResult{}, err
	}
	defer release()

	result := core.ReadStreamResult{
		StreamID:   streamID,
		FromNumber: fromNumber,
		MaxCount:   maxCount,
		LastNumber: -1,
	}

	if streamID.IsMeta() {
		status, blocked, err := r.ownerDeletion(ctx, sr, streamID.OriginalStream())
		if err != nil {
			return result, err
		}
		if blocked {
			result.Status = status
			return result, nil
		}
	}

	last, err := r.lastEventNumber(ctx, sr, streamID)
	if err != nil {
		return result, err
	}
	if last == core.EventNumberDeletedStream {
		result.Status = core.ReadStreamDeleted
		return result, nil
	}
	meta, err := r.metadata(ctx, sr, streamID)
	if err != nil {
		return result, err
	}
	result.Metadata = meta
	if last < 0 || meta.IsSoftDeleted() {
		result.Status = core.ReadNoStream
		return result, nil
	}
	result.LastNumber = last

	high := fromNumber
	if high == -1 || high > last {
		high = last
	}
	min := meta.MinVisibleNumber(last)
	low := high - int64(maxCount) + 1
	result.IsEndOfStream = low <= min
	if low < min {
		low = min
	}

	if low > high {
		result.IsEndOfStream = true
		result.NextNumber = -1
		result.Status = core.ReadSuccess
		return result, nil
	}
	if result.IsEndOfStream {
		result.NextNumber = -1
	} else {
		result.NextNumber = low - 1
	}

	events, err := r.collectRange(ctx, sr, streamID, meta, low, high, maxCount)
	if err != nil {
		return result, err
	}
	result.Status = core.ReadSuccess
	result.Events = events
	return result, nil
}

// collectRange loads the visible events of [low, high], newest-first,
// skipping colliding streams' entries and age-expired events.
func (r *Reader) collectRange(ctx context.Context, sr tlog.SequentialReader, streamID core.StreamID, meta core.StreamMetadata, low, high int64, maxHint int) ([]core.EventRecord, error) {
	hash := r.b.Hasher.Hash(streamID)
	entries, err := r.b.Index.GetRange(hash, low, high, maxHint)
	if err != nil {
		return nil, err
	}
	events := make([]core.EventRecord, 0, len(entries))
	for _, entry := range entries {
		rec, err := r.recordAt(sr, entry.Position)
		if err != nil {
			return nil, err
		}
		if rec.StreamID != streamID {
			r.noteCollision(ctx, streamID, hash)
			continue
		}
		if !r.visibleByAge(meta, rec) {
			continue
		}
		events = append(events, eventFromRecord(rec, entry.Number))
	}
	return events, nil
}

// ReadAllForward reads up to maxCount committed events from the global log
// starting at position.
func (r *Reader) ReadAllForward(ctx context.Context, position int64, maxCount int) (core.ReadAllResult, error) {
	ctx, span := r.b.Tracer.Start(ctx, "indexer.ReadAllForward")
	defer span.End()

	if maxCount <= 0 {
		return core.ReadAllResult{}, fmt.Errorf("invalid count %d", maxCount)
	}
	if position < 0 {
		position = 0
	}

	sr, release, err := r.borrow(ctx)
	if err != nil {
		return core.ReadAllResult{}, err
	}
	defer release()
	sr.Reposition(position)

	result := core.ReadAllResult{FromPosition: position}
	// Prepares of explicit transactions get their numbers from the commit
	// record further down the log; stash them until it shows up. The stash
	// only serves commits whose whole transaction fell inside this scan; a
	// commit without a complete stash re-reads its prepares from the log, so
	// a page cut between prepares and commit never loses the events.
	pending := make(map[int64][]*core.LogRecord)

	for len(result.Events) < maxCount {
		rec, ok, err := sr.TryReadNext()
		if err != nil {
			return result, err
		}
		if !ok {
			result.IsEndOfLog = true
			break
		}
		switch {
		case rec.IsPrepare() && rec.Flags.Has(core.PrepareFlagData):
			if rec.Flags.Has(core.PrepareFlagIsCommitted) {
				number := rec.ExpectedVersion + 1 + rec.TransactionOff
				result.Events = append(result.Events, eventFromRecord(rec, number))
			} else {
				pending[rec.TransactionPos] = append(pending[rec.TransactionPos], rec)
			}
		case rec.IsCommit():
			preps := pending[rec.TransactionPos]
			delete(pending, rec.TransactionPos)
			if len(preps) == 0 || !preps[0].Flags.Has(core.PrepareFlagTransactionBegin) {
				preps, err = transactionPrepares(sr, rec.TransactionPos, rec.Position)
				if err != nil {
					return result, err
				}
			}
			for _, prep := range preps {
				result.Events = append(result.Events, eventFromRecord(prep, rec.FirstEventNumber+prep.TransactionOff))
			}
		}
	}
	result.NextPosition = sr.Position()
	return result, nil
}

// transactionPrepares re-reads the data prepares of the transaction starting
// at txPos, in offset order, stopping before limit. The cursor is restored
// to its caller-visible position afterwards.
func transactionPrepares(sr tlog.SequentialReader, txPos, limit int64) ([]*core.LogRecord, error) {
	resume := sr.Position()
	defer sr.Reposition(resume)

	sr.Reposition(txPos)
	var preps []*core.LogRecord
	for {
		rec, ok, err := sr.TryReadNext()
		if err != nil {
			return nil, err
		}
		if !ok || rec.Position >= limit {
			break
		}
		if !rec.IsPrepare() || rec.TransactionPos != txPos {
			continue
		}
		if rec.Flags.Has(core.PrepareFlagData) {
			preps = append(preps, rec)
		}
		if rec.Flags.Has(core.PrepareFlagTransactionEnd) {
			break
		}
	}
	return preps, nil
}

// ReadAllBackward reads up to maxCount committed events preceding position,
// newest-first. position -1 starts at the log tail.
func (r *Reader) ReadAllBackward(ctx context.Context, position int64, maxCount int) (core.ReadAllResult, error) {
	ctx, span := r.b.Tracer.Start(ctx, "indexer.ReadAllBackward")
	defer span.End()

	if maxCount <= 0 {
		return core.ReadAllResult{}, fmt.Errorf("invalid count %d", maxCount)
	}
	if tail := r.b.Log.TailPosition(); position < 0 || position > tail {
		position = tail
	}

	sr, release, err := r.borrow(ctx)
	if err != nil {
		return core.ReadAllResult{}, err
	}
	defer release()
	sr.Reposition(position)

	result := core.ReadAllResult{FromPosition: position}
	// Scanning backward meets a transaction's commit before its prepares.
	// The whole transaction is emitted at the commit, resolved by a forward
	// re-read of its prepares, which keeps pages self-contained: a later
	// page meeting the prepares skips them because their commit lies past
	// its scan start.
	for len(result.Events) < maxCount {
		rec, ok, err := sr.TryReadPrev()
		if err != nil {
			return result, err
		}
		if !ok {
			result.IsEndOfLog = true
			break
		}
		switch {
		case rec.IsCommit():
			preps, err := transactionPrepares(sr, rec.TransactionPos, rec.Position)
			if err != nil {
				return result, err
			}
			for i := len(preps) - 1; i >= 0; i-- {
				result.Events = append(result.Events, eventFromRecord(preps[i], rec.FirstEventNumber+preps[i].TransactionOff))
			}
		case rec.IsPrepare() && rec.Flags.Has(core.PrepareFlagData) && rec.Flags.Has(core.PrepareFlagIsCommitted):
			number := rec.ExpectedVersion + 1 + rec.TransactionOff
			result.Events = append(result.Events, eventFromRecord(rec, number))
			// Plain prepares are skipped: uncommitted ones are invisible and
			// committed ones were emitted at their commit record.
		}
	}
	result.NextPosition = sr.Position()
	return result, nil
}

// GetStreamLastEventNumber returns the last event number of streamID, -1 for
// an absent stream.
func (r *Reader) GetStreamLastEventNumber(ctx context.Context, streamID core.StreamID) (int64, error) {
	if streamID == "" {
		return 0, core.ErrInvalidStream
	}
	sr, release, err := r.borrow(ctx)
	if err != nil {
		return 0, err
	}
	defer release()
	return r.lastEventNumber(ctx, sr, streamID)
}

// GetStreamMetadata resolves the effective metadata of streamID.
func (r *Reader) GetStreamMetadata(ctx context.Context, streamID core.StreamID) (core.StreamMetadata, error) {
	if streamID == "" {
		return core.StreamMetadata{}, core.ErrInvalidStream
	}
	sr, release, err := r.borrow(ctx)
	if err != nil {
		return core.StreamMetadata{}, err
	}
	defer release()
	return r.metadata(ctx, sr, streamID)
}

// GetEventStreamIDByTransactionID returns the stream the transaction whose
// first prepare sits at transactionPos writes to.
func (r *Reader) GetEventStreamIDByTransactionID(ctx context.Context, transactionPos int64) (core.StreamID, error) {
	sr, release, err := r.borrow(ctx)
	if err != nil {
		return "", err
	}
	defer release()
	rec, ok, err := sr.TryReadAt(transactionPos)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("no record at transaction position %d", transactionPos)
	}
	return rec.StreamID, nil
}
