package core

// ReadEventStatus classifies the outcome of a single-event read.
type ReadEventStatus byte

const (
	ReadSuccess ReadEventStatus = iota
	ReadNotFound
	ReadNoStream
	ReadStreamDeleted
)

func (s ReadEventStatus) String() string {
	switch s {
	case ReadSuccess:
		return "Success"
	case ReadNotFound:
		return "NotFound"
	case ReadNoStream:
		return "NoStream"
	case ReadStreamDeleted:
		return "StreamDeleted"
	default:
		return "Unknown"
	}
}

// ReadEventResult is the outcome of ReadEvent.
type ReadEventResult struct {
	Status   ReadEventStatus
	StreamID StreamID
	Number   int64
	Record   *EventRecord
	// Metadata is the stream metadata in force at read time.
	Metadata StreamMetadata
}

// ReadStreamResult is the outcome of a stream range read.
type ReadStreamResult struct {
	Status     ReadEventStatus
	StreamID   StreamID
	FromNumber int64
	MaxCount   int
	Events     []EventRecord
	// NextNumber is the cursor to continue pagination in the read direction.
	NextNumber int64
	// LastNumber is the stream's last event number at read time.
	LastNumber int64
	// IsEndOfStream reports whether the window reached the stream's true last
	// event (forward) or first visible event (backward).
	IsEndOfStream bool
	Metadata      StreamMetadata
}

// ReadAllResult is the outcome of a global ("$all") range read.
type ReadAllResult struct {
	Events []EventRecord
	// FromPosition is the position the read started at.
	FromPosition int64
	// NextPosition continues the read in the same direction.
	NextPosition int64
	// IsEndOfLog reports whether the read reached the log tail (forward) or
	// the log start (backward).
	IsEndOfLog bool
}

// AccessType enumerates the operations ACLs gate.
type AccessType byte

const (
	AccessRead AccessType = iota
	AccessWrite
	AccessDelete
	AccessMetaRead
	AccessMetaWrite
)

func (a AccessType) String() string {
	switch a {
	case AccessRead:
		return "Read"
	case AccessWrite:
		return "Write"
	case AccessDelete:
		return "Delete"
	case AccessMetaRead:
		return "MetaRead"
	case AccessMetaWrite:
		return "MetaWrite"
	default:
		return "Unknown"
	}
}

// AccessDecision is the result of an ACL check.
type AccessDecision struct {
	Granted bool
	// Public is true when the matching role list contained the "$all"
	// wildcard, i.e. the grant did not depend on the user's identity.
	Public bool
}
