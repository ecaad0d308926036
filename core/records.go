package core

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// EventID uniquely identifies one logical event across retries. A client that
// retries an append re-sends the same EventIDs, which is what makes
// idempotency detection possible.
type EventID = uuid.UUID

// Expected-version sentinels accepted by the write path.
const (
	// ExpectedVersionAny means the client does not care about ordering, only
	// about exactly-once application of the given event ids.
	ExpectedVersionAny int64 = -2
	// ExpectedVersionNoStream means the client expects the stream to not
	// exist yet (or to be soft-deleted).
	ExpectedVersionNoStream int64 = -1
)

// EventNumberDeletedStream is the sentinel last-event-number of a hard-deleted
// stream. TruncateBefore at this value marks a soft delete.
const EventNumberDeletedStream int64 = math.MaxInt64

// LogRecordKind discriminates the record types of the durable log.
type LogRecordKind byte

const (
	LogRecordPrepare LogRecordKind = 1
	LogRecordCommit  LogRecordKind = 2
	LogRecordSystem  LogRecordKind = 3
)

// PrepareFlags carries the per-record bits of a prepare.
type PrepareFlags uint16

const (
	// PrepareFlagData marks a prepare that carries event data.
	PrepareFlagData PrepareFlags = 1 << iota
	// PrepareFlagTransactionBegin marks the first prepare of a transaction.
	PrepareFlagTransactionBegin
	// PrepareFlagTransactionEnd marks the last prepare of a transaction.
	PrepareFlagTransactionEnd
	// PrepareFlagStreamDelete marks a hard-delete tombstone.
	PrepareFlagStreamDelete
	// PrepareFlagIsCommitted marks a prepare that commits implicitly, without
	// a separate commit record.
	PrepareFlagIsCommitted
	// PrepareFlagIsJSON marks the payload as JSON.
	PrepareFlagIsJSON
)

// Has reports whether all bits of f2 are set in f.
func (f PrepareFlags) Has(f2 PrepareFlags) bool { return f&f2 == f2 }

// LogRecord is one record of the durable append-only log, as surfaced by the
// tlog boundary. Prepares carry event payloads; a commit finalizes the
// prepares of one transaction and fixes their event numbers.
type LogRecord struct {
	Kind     LogRecordKind
	Position int64 // address of this record in the log

	// Prepare fields.
	StreamID        StreamID
	EventID         EventID
	CorrelationID   EventID
	ExpectedVersion int64
	TransactionPos  int64 // position of the transaction's first prepare
	TransactionOff  int64 // offset of this prepare within its transaction
	Flags           PrepareFlags
	EventType       string
	Data            []byte
	Metadata        []byte

	// Commit fields.
	FirstEventNumber int64 // event number assigned to transaction offset 0

	Timestamp time.Time
}

// IsPrepare reports whether the record is a prepare.
func (r *LogRecord) IsPrepare() bool { return r.Kind == LogRecordPrepare }

// IsCommit reports whether the record is a commit.
func (r *LogRecord) IsCommit() bool { return r.Kind == LogRecordCommit }

// EventRecord is a fully resolved event as returned by the read path.
type EventRecord struct {
	StreamID    StreamID
	EventNumber int64
	EventID     EventID
	EventType   string
	IsJSON      bool
	Data        []byte
	Metadata    []byte
	LogPosition int64
	Timestamp   time.Time
}

// IndexEntry is one (stream hash, event number) -> position mapping owned by
// the secondary index. Entries are immutable once inserted.
type IndexEntry struct {
	Hash     StreamHash
	Number   int64
	Position int64
}

// TransactionInfo is the bookkeeping for a multi-part transactional write
// still in flight.
type TransactionInfo struct {
	TransactionPos int64
	TransactionOff int64
	StreamID       StreamID
}
