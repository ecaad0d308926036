package engine

import (
	"context"

	"github.com/calderadb/caldera/auth"
	"github.com/calderadb/caldera/core"
)

// ReadEvent reads one event of a stream. eventNumber -1 addresses the
// stream's last event.
func (e *Engine) ReadEvent(ctx context.Context, streamID core.StreamID, eventNumber int64) (core.ReadEventResult, error) {
	if err := e.checkOpen(); err != nil {
		return core.ReadEventResult{}, err
	}
	e.reads.Add(1)
	return e.reader.ReadEvent(ctx, streamID, eventNumber)
}

// ReadStreamForward reads up to maxCount events starting at fromNumber,
// ascending.
func (e *Engine) ReadStreamForward(ctx context.Context, streamID core.StreamID, fromNumber int64, maxCount int) (core.ReadStreamResult, error) {
	if err := e.checkOpen(); err != nil {
		return core.ReadStreamResult{}, err
	}
	e.reads.Add(1)
	return e.reader.ReadStreamForward(ctx, streamID, fromNumber, maxCount)
}

// ReadStreamBackward reads up to maxCount events ending at fromNumber,
// descending. fromNumber -1 starts at the stream's last event.
func (e *Engine) ReadStreamBackward(ctx context.Context, streamID core.StreamID, fromNumber int64, maxCount int) (core.ReadStreamResult, error) {
	if err := e.checkOpen(); err != nil {
		return core.ReadStreamResult{}, err
	}
	e.reads.Add(1)
	return e.reader.ReadStreamBackward(ctx, streamID, fromNumber, maxCount)
}

// ReadAllForward reads up to maxCount committed events from the global log
// starting at position.
func (e *Engine) ReadAllForward(ctx context.Context, position int64, maxCount int) (core.ReadAllResult, error) {
	if err := e.checkOpen(); err != nil {
		return core.ReadAllResult{}, err
	}
	e.reads.Add(1)
	return e.reader.ReadAllForward(ctx, position, maxCount)
}

// ReadAllBackward reads up to maxCount committed events preceding position,
// newest-first. position -1 starts at the log tail.
func (e *Engine) ReadAllBackward(ctx context.Context, position int64, maxCount int) (core.ReadAllResult, error) {
	if err := e.checkOpen(); err != nil {
		return core.ReadAllResult{}, err
	}
	e.reads.Add(1)
	return e.reader.ReadAllBackward(ctx, position, maxCount)
}

// GetStreamLastEventNumber returns the stream's last event number, -1 for an
// absent stream.
func (e *Engine) GetStreamLastEventNumber(ctx context.Context, streamID core.StreamID) (int64, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	return e.reader.GetStreamLastEventNumber(ctx, streamID)
}

// CheckStreamAccess decides whether user may perform access on streamID.
func (e *Engine) CheckStreamAccess(ctx context.Context, streamID core.StreamID, access core.AccessType, user *auth.User) (core.AccessDecision, error) {
	if err := e.checkOpen(); err != nil {
		return core.AccessDecision{}, err
	}
	return e.reader.CheckStreamAccess(ctx, streamID, access, user)
}
