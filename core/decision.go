package core

// CommitDecisionKind classifies the outcome of pre-admission checking for one
// write attempt.
type CommitDecisionKind byte

const (
	// CommitOk admits a genuinely new append.
	CommitOk CommitDecisionKind = iota
	// CommitIdempotent recognizes a complete retry of an already-committed
	// write; the caller must return the original success result.
	CommitIdempotent
	// CommitWrongExpectedVersion rejects a write whose expected version does
	// not match the stream's current state.
	CommitWrongExpectedVersion
	// CommitDeleted rejects a write against a hard-deleted stream.
	CommitDeleted
	// CommitCorruptedIdempotency reports an internally inconsistent retry
	// shape (partial overlap with committed history). It signals a
	// correctness bug or tampering and is never silently resolved.
	CommitCorruptedIdempotency
)

func (k CommitDecisionKind) String() string {
	switch k {
	case CommitOk:
		return "Ok"
	case CommitIdempotent:
		return "Idempotent"
	case CommitWrongExpectedVersion:
		return "WrongExpectedVersion"
	case CommitDeleted:
		return "Deleted"
	case CommitCorruptedIdempotency:
		return "CorruptedIdempotency"
	default:
		return "Unknown"
	}
}

// CommitDecision is the outcome of CheckCommit. It is a value the caller
// branches on, never an error.
type CommitDecision struct {
	Kind CommitDecisionKind
	// CurrentVersion is the stream's last event number at decision time.
	CurrentVersion int64
	// StartEventNumber/EndEventNumber delimit the event numbers the write
	// occupies: the previously assigned range for Idempotent decisions.
	StartEventNumber int64
	EndEventNumber   int64
	// SoftDeleted reports whether the stream is currently soft-deleted, which
	// affects how the caller materializes an Ok decision.
	SoftDeleted bool
}

// DecisionOk builds an Ok decision at the given current version.
func DecisionOk(currentVersion int64, softDeleted bool) CommitDecision {
	return CommitDecision{Kind: CommitOk, CurrentVersion: currentVersion, SoftDeleted: softDeleted}
}

// DecisionIdempotent builds an Idempotent decision covering [start,end].
func DecisionIdempotent(currentVersion, start, end int64) CommitDecision {
	return CommitDecision{Kind: CommitIdempotent, CurrentVersion: currentVersion, StartEventNumber: start, EndEventNumber: end}
}

// DecisionWrongExpectedVersion builds a WrongExpectedVersion decision.
func DecisionWrongExpectedVersion(currentVersion int64) CommitDecision {
	return CommitDecision{Kind: CommitWrongExpectedVersion, CurrentVersion: currentVersion}
}

// DecisionDeleted builds a Deleted decision.
func DecisionDeleted() CommitDecision {
	return CommitDecision{Kind: CommitDeleted, CurrentVersion: EventNumberDeletedStream}
}

// DecisionCorrupted builds a CorruptedIdempotency decision.
func DecisionCorrupted(currentVersion int64) CommitDecision {
	return CommitDecision{Kind: CommitCorruptedIdempotency, CurrentVersion: currentVersion}
}
