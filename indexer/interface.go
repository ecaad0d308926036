package indexer

import (
	"context"

	"github.com/calderadb/caldera/auth"
	"github.com/calderadb/caldera/core"
)

// StreamReader resolves reads against the index, the log and the caches.
// Safe for concurrent use.
type StreamReader interface {
	// ReadEvent resolves one event of a stream. eventNumber -1 means the
	// stream's last event.
	ReadEvent(ctx context.Context, streamID core.StreamID, eventNumber int64) (core.ReadEventResult, error)

	// ReadStreamForward reads up to maxCount events starting at fromNumber,
	// ascending.
	ReadStreamForward(ctx context.Context, streamID core.StreamID, fromNumber int64, maxCount int) (core.ReadStreamResult, error)

	// ReadStreamBackward reads up to maxCount events ending at fromNumber,
	// descending. fromNumber -1 means the stream's last event.
	ReadStreamBackward(ctx context.Context, streamID core.StreamID, fromNumber int64, maxCount int) (core.ReadStreamResult, error)

	// ReadAllForward reads up to maxCount committed events from the global
	// log starting at position.
	ReadAllForward(ctx context.Context, position int64, maxCount int) (core.ReadAllResult, error)

	// ReadAllBackward reads up to maxCount committed events from the global
	// log ending below position, descending.
	ReadAllBackward(ctx context.Context, position int64, maxCount int) (core.ReadAllResult, error)

	// GetStreamLastEventNumber returns the stream's last event number, -1
	// when the stream has no events, or the deleted sentinel.
	GetStreamLastEventNumber(ctx context.Context, streamID core.StreamID) (int64, error)

	// GetStreamMetadata resolves the stream's effective metadata from its
	// metastream's last event.
	GetStreamMetadata(ctx context.Context, streamID core.StreamID) (core.StreamMetadata, error)

	// CheckStreamAccess decides whether user may perform access on streamID.
	CheckStreamAccess(ctx context.Context, streamID core.StreamID, access core.AccessType, user *auth.User) (core.AccessDecision, error)

	// GetEventStreamIDByTransactionID returns the stream a transaction
	// writes to, given the position of its first prepare.
	GetEventStreamIDByTransactionID(ctx context.Context, transactionPos int64) (core.StreamID, error)
}

// StreamWriter is the commit-admission and post-commit side. Exactly one
// goroutine, the committer, may call it.
type StreamWriter interface {
	// CheckCommit decides whether a write with the given expected version
	// and event ids may proceed, is an idempotent replay, or must fail.
	CheckCommit(ctx context.Context, streamID core.StreamID, expectedVersion int64, eventIDs []core.EventID) (core.CommitDecision, error)

	// PreCommit stages the prepares of an open transaction so transaction
	// lookups see its progress before the commit record lands.
	PreCommit(prepares []*core.LogRecord)

	// CommitPrepares processes implicitly committed prepares (single-phase
	// writes): index entries, caches, settings and notifications.
	CommitPrepares(ctx context.Context, prepares []*core.LogRecord) error

	// Commit processes an explicit commit record by resolving its
	// transaction's prepares from the log.
	Commit(ctx context.Context, commit *core.LogRecord) error

	// UpdateTransactionInfo records the progress of an open transaction.
	UpdateTransactionInfo(transactionPos int64, info core.TransactionInfo)

	// GetTransactionInfo returns the bookkeeping of an open transaction,
	// reconstructing it from the log up to writerCheckpoint on a cache miss.
	GetTransactionInfo(ctx context.Context, writerCheckpoint, transactionPos int64) (core.TransactionInfo, error)

	// PurgeNotProcessedCommitsTill drops commit bookkeeping at positions at
	// or below checkpoint.
	PurgeNotProcessedCommitsTill(checkpoint int64)

	// PurgeNotProcessedTransactions drops transaction bookkeeping at
	// positions at or below checkpoint.
	PurgeNotProcessedTransactions(checkpoint int64)
}
