package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/calderadb/caldera/core"
)

// Errors surfaced by the write path. All wrap enough context to identify the
// stream; callers match with errors.Is.
var (
	ErrWrongExpectedVersion = errors.New("wrong expected version")
	ErrStreamDeleted        = errors.New("stream is hard-deleted")
	ErrCorruptedIdempotency = errors.New("retry partially overlaps committed events")
	ErrEngineClosed         = errors.New("engine is closed")
)

// EventData is one event of an append request.
type EventData struct {
	// EventID identifies the event across retries. Zero means "generate".
	EventID  core.EventID
	Type     string
	IsJSON   bool
	Data     []byte
	Metadata []byte
}

// AppendResult reports where an append landed.
type AppendResult struct {
	// FirstEventNumber..LastEventNumber is the range the events occupy. For
	// an idempotent replay it is the range the original attempt produced.
	FirstEventNumber int64
	LastEventNumber  int64
	// Idempotent is true when the append was recognized as a complete retry
	// and nothing was written.
	Idempotent bool
	// CommitPosition is the log position of the last record written, -1 for
	// idempotent replays.
	CommitPosition int64
}

func (e *Engine) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	return nil
}

// AppendToStream appends events to streamID under the given expected
// version. Retries carrying the same event ids are absorbed idempotently.
func (e *Engine) AppendToStream(ctx context.Context, streamID core.StreamID, expectedVersion int64, events []EventData) (AppendResult, error) {
	if err := e.checkOpen(); err != nil {
		return AppendResult{}, err
	}
	if streamID.IsMeta() {
		return AppendResult{}, fmt.Errorf("%w: metastream %q is written through SetStreamMetadata", core.ErrInvalidStream, streamID)
	}
	if len(events) == 0 {
		return AppendResult{}, fmt.Errorf("append to %q carries no events", streamID)
	}
	for i := range events {
		if events[i].EventID == uuid.Nil {
			events[i].EventID = uuid.New()
		}
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	return e.appendLocked(ctx, streamID, expectedVersion, events)
}

func (e *Engine) appendLocked(ctx context.Context, streamID core.StreamID, expectedVersion int64, events []EventData) (AppendResult, error) {
	ids := make([]core.EventID, len(events))
	for i, ev := range events {
		ids[i] = ev.EventID
	}
	decision, err := e.writer.CheckCommit(ctx, streamID, expectedVersion, ids)
	if err != nil {
		return AppendResult{}, err
	}

	switch decision.Kind {
	case core.CommitIdempotent:
		return AppendResult{
			FirstEventNumber: decision.StartEventNumber,
			LastEventNumber:  decision.EndEventNumber,
			Idempotent:       true,
			CommitPosition:   -1,
		}, nil
	case core.CommitWrongExpectedVersion:
		return AppendResult{}, fmt.Errorf("stream %q at version %d: %w", streamID, decision.CurrentVersion, ErrWrongExpectedVersion)
	case core.CommitDeleted:
		return AppendResult{}, fmt.Errorf("stream %q: %w", streamID, ErrStreamDeleted)
	case core.CommitCorruptedIdempotency:
		return AppendResult{}, fmt.Errorf("stream %q: %w", streamID, ErrCorruptedIdempotency)
	}

	if decision.SoftDeleted {
		// Resurrection: move the visibility floor past the old events before
		// the new ones land.
		if err := e.reviveLocked(ctx, streamID, decision.CurrentVersion+1); err != nil {
			return AppendResult{}, err
		}
	}

	recs, err := e.appendPrepares(streamID, decision.CurrentVersion, events)
	if err != nil {
		return AppendResult{}, err
	}
	if err := e.writer.CommitPrepares(ctx, recs); err != nil {
		return AppendResult{}, err
	}
	e.appends.Add(1)

	return AppendResult{
		FirstEventNumber: decision.CurrentVersion + 1,
		LastEventNumber:  decision.CurrentVersion + int64(len(events)),
		CommitPosition:   recs[len(recs)-1].Position,
	}, nil
}

// appendPrepares writes one single-phase batch: every prepare is implicitly
// committed and carries the version the batch extends.
func (e *Engine) appendPrepares(streamID core.StreamID, currentVersion int64, events []EventData) ([]*core.LogRecord, error) {
	txPos := e.log.TailPosition()
	recs := make([]*core.LogRecord, len(events))
	for i, ev := range events {
		flags := core.PrepareFlagData | core.PrepareFlagIsCommitted
		if ev.IsJSON {
			flags |= core.PrepareFlagIsJSON
		}
		if i == 0 {
			flags |= core.PrepareFlagTransactionBegin
		}
		if i == len(events)-1 {
			flags |= core.PrepareFlagTransactionEnd
		}
		rec := &core.LogRecord{
			Kind:            core.LogRecordPrepare,
			StreamID:        streamID,
			EventID:         ev.EventID,
			ExpectedVersion: currentVersion,
			TransactionPos:  txPos,
			TransactionOff:  int64(i),
			Flags:           flags,
			EventType:       ev.Type,
			Data:            ev.Data,
			Metadata:        ev.Metadata,
			Timestamp:       e.nowUTC(),
		}
		pos, err := e.log.Append(rec)
		if err != nil {
			return nil, err
		}
		rec.Position = pos
		recs[i] = rec
	}
	return recs, nil
}

// reviveLocked clears a soft delete by rewriting the stream's metadata with
// the truncate-before floor moved past the already-committed events.
func (e *Engine) reviveLocked(ctx context.Context, streamID core.StreamID, floor int64) error {
	meta, err := e.reader.GetStreamMetadata(ctx, streamID)
	if err != nil {
		return err
	}
	meta.TruncateBefore = &floor
	return e.writeMetadataLocked(ctx, streamID, meta)
}

func (e *Engine) writeMetadataLocked(ctx context.Context, streamID core.StreamID, meta core.StreamMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	metaStream := streamID.MetaStream()
	last, err := e.reader.GetStreamLastEventNumber(ctx, metaStream)
	if err != nil {
		return err
	}
	recs, err := e.appendPrepares(metaStream, last, []EventData{{
		EventID: uuid.New(),
		Type:    core.EventTypeStreamMetadata,
		IsJSON:  true,
		Data:    data,
	}})
	if err != nil {
		return err
	}
	return e.writer.CommitPrepares(ctx, recs)
}

// SetStreamMetadata replaces the metadata of streamID. expectedMetaVersion
// gates against concurrent metadata writers the same way event appends are
// gated; pass ExpectedVersionAny to skip the check.
func (e *Engine) SetStreamMetadata(ctx context.Context, streamID core.StreamID, expectedMetaVersion int64, meta core.StreamMetadata) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if streamID == "" || streamID.IsMeta() {
		return core.ErrInvalidStream
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	// A metastream is deleted exactly when its owner is; no metadata can be
	// written for a tombstoned stream.
	last, err := e.reader.GetStreamLastEventNumber(ctx, streamID)
	if err != nil {
		return err
	}
	if last == core.EventNumberDeletedStream {
		return fmt.Errorf("stream %q: %w", streamID, ErrStreamDeleted)
	}

	if expectedMetaVersion != core.ExpectedVersionAny {
		last, err := e.reader.GetStreamLastEventNumber(ctx, streamID.MetaStream())
		if err != nil {
			return err
		}
		if last != expectedMetaVersion {
			return fmt.Errorf("metastream of %q at version %d: %w", streamID, last, ErrWrongExpectedVersion)
		}
	}
	return e.writeMetadataLocked(ctx, streamID, meta)
}

// GetStreamMetadata returns the effective metadata of streamID.
func (e *Engine) GetStreamMetadata(ctx context.Context, streamID core.StreamID) (core.StreamMetadata, error) {
	if err := e.checkOpen(); err != nil {
		return core.StreamMetadata{}, err
	}
	return e.reader.GetStreamMetadata(ctx, streamID)
}

// SoftDeleteStream hides all current events of streamID. The stream revives
// when something is appended to it again; numbering continues where it left
// off.
func (e *Engine) SoftDeleteStream(ctx context.Context, streamID core.StreamID, expectedVersion int64) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if streamID == "" || streamID.IsMeta() || streamID == core.AllStream {
		return core.ErrInvalidStream
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	decision, err := e.writer.CheckCommit(ctx, streamID, expectedVersion, nil)
	if err != nil {
		return err
	}
	switch decision.Kind {
	case core.CommitDeleted:
		return fmt.Errorf("stream %q: %w", streamID, ErrStreamDeleted)
	case core.CommitWrongExpectedVersion:
		return fmt.Errorf("stream %q at version %d: %w", streamID, decision.CurrentVersion, ErrWrongExpectedVersion)
	}

	meta, err := e.reader.GetStreamMetadata(ctx, streamID)
	if err != nil {
		return err
	}
	return e.writeMetadataLocked(ctx, streamID, meta.SoftDeleted())
}

// HardDeleteStream tombstones streamID forever. No write or read will ever
// succeed against it again.
func (e *Engine) HardDeleteStream(ctx context.Context, streamID core.StreamID, expectedVersion int64) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if streamID == "" || streamID.IsMeta() || streamID == core.AllStream {
		return core.ErrInvalidStream
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	decision, err := e.writer.CheckCommit(ctx, streamID, expectedVersion, nil)
	if err != nil {
		return err
	}
	switch decision.Kind {
	case core.CommitDeleted:
		return fmt.Errorf("stream %q: %w", streamID, ErrStreamDeleted)
	case core.CommitWrongExpectedVersion:
		return fmt.Errorf("stream %q at version %d: %w", streamID, decision.CurrentVersion, ErrWrongExpectedVersion)
	}

	txPos := e.log.TailPosition()
	rec := &core.LogRecord{
		Kind:            core.LogRecordPrepare,
		StreamID:        streamID,
		EventID:         uuid.New(),
		ExpectedVersion: decision.CurrentVersion,
		TransactionPos:  txPos,
		Flags: core.PrepareFlagStreamDelete | core.PrepareFlagIsCommitted |
			core.PrepareFlagTransactionBegin | core.PrepareFlagTransactionEnd,
		EventType: core.EventTypeStreamDeleted,
		Timestamp: e.nowUTC(),
	}
	pos, err := e.log.Append(rec)
	if err != nil {
		return err
	}
	rec.Position = pos
	return e.writer.CommitPrepares(ctx, []*core.LogRecord{rec})
}
