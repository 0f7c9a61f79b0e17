package claimlog

import (
	"errors"
	"fmt"
)

// ErrClosed is returned for operations on a closed log.
var ErrClosed = errors.New("claim log closed")

// ErrSequenceGap indicates that replay observed a non-contiguous sequence.
// Per-tenant sequences are gap-free, so a gap means a missing or reordered
// log file rather than a corrupt tail.
var ErrSequenceGap = errors.New("sequence gap in claim log")

// IOError wraps a storage failure with the operation and path it occurred on.
//
// An append that returns an IOError has NOT ingested the claim; callers must
// not index or acknowledge it.
type IOError struct {
	Op    string
	Path  string
	cause error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("claimlog: %s %s: %v", e.Op, e.Path, e.cause)
}

func (e *IOError) Unwrap() error { return e.cause }

func newIOError(op, path string, cause error) *IOError {
	return &IOError{Op: op, Path: path, cause: cause}
}

// CorruptRecordError reports an unreadable record region in a log file.
//
// Offset is the file offset of the first byte that failed validation;
// LastValidSeq is the sequence of the last record decoded before it. Replay
// truncates the file at Offset and continues with the valid prefix, so this
// error is carried in the replay report rather than failing the open.
type CorruptRecordError struct {
	Path         string
	Offset       int64
	LastValidSeq uint64
	Reason       string
	cause        error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("claimlog: corrupt record in %s at offset %d (last valid seq %d): %s",
		e.Path, e.Offset, e.LastValidSeq, e.Reason)
}

func (e *CorruptRecordError) Unwrap() error { return e.cause }
