package core

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidStream rejects empty or malformed stream names.
	ErrInvalidStream = errors.New("invalid stream name")
	// ErrInvalidExpectedVersion rejects expected versions below the known
	// sentinels.
	ErrInvalidExpectedVersion = errors.New("invalid expected version")
	// ErrPoolClosed is returned by Borrow after the reader pool is closed.
	ErrPoolClosed = errors.New("reader pool is closed")
	// ErrLogClosed is returned by log operations after Close.
	ErrLogClosed = errors.New("log is closed")
)

// CorruptionError reports a violation of an index or log invariant. It is
// always fatal to the current operation; under additional commit checks it
// aborts the process, because continuing risks silently serving wrong data.
type CorruptionError struct {
	Op     string
	Detail string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corruption detected in %s: %s", e.Op, e.Detail)
}

// NewCorruptionError builds a CorruptionError with a formatted detail.
func NewCorruptionError(op, format string, args ...any) *CorruptionError {
	return &CorruptionError{Op: op, Detail: fmt.Sprintf(format, args...)}
}

// IsCorruption reports whether err (or any error in its chain) is a
// CorruptionError.
func IsCorruption(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}
