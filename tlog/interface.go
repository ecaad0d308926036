// Package tlog implements the durable append-only transaction log: a
// directory of segment files holding length-prefixed, checksummed record
// frames, with sequential readers addressable by logical position and a
// bounded pool of read-only cursors for the read path.
package tlog

import (
	"context"

	"github.com/calderadb/caldera/core"
)

// Log is the single-appender durable log.
type Log interface {
	// Append writes rec at the tail and returns its position. Only one
	// goroutine may call Append.
	Append(rec *core.LogRecord) (int64, error)
	// Flush forces buffered data to durable storage and advances the
	// checkpoint to the tail.
	Flush() error
	// Checkpoint returns the position up to which the log is known durable.
	Checkpoint() int64
	// TailPosition returns the position the next append will receive.
	TailPosition() int64
	// NewReader opens an independent sequential reader positioned at 0.
	NewReader() (SequentialReader, error)
	Close() error
}

// SequentialReader is a read-only cursor over the log. Not safe for
// concurrent use; borrow one per operation from the ReaderPool.
type SequentialReader interface {
	// Reposition moves the cursor to the given position.
	Reposition(pos int64)
	// Position returns the cursor's current position.
	Position() int64
	// TryReadNext reads the record at the cursor and advances past it.
	// ok is false at the end of the written log.
	TryReadNext() (rec *core.LogRecord, ok bool, err error)
	// TryReadPrev moves the cursor to the preceding record and reads it.
	// ok is false at the start of the log.
	TryReadPrev() (rec *core.LogRecord, ok bool, err error)
	// TryReadAt reads the record at the exact given position without moving
	// the cursor.
	TryReadAt(pos int64) (rec *core.LogRecord, ok bool, err error)
	Close() error
}

// Borrower hands out pooled sequential readers.
type Borrower interface {
	// Borrow blocks until a reader is available or ctx is done.
	Borrow(ctx context.Context) (SequentialReader, error)
	// Release returns a borrowed reader to the pool.
	Release(r SequentialReader)
}
