package archive

import (
	"errors"
	"fmt"
)

// Predefined errors
var (
	// ErrWriteFailure reports an I/O failure while appending a
	// segment. Prior segments are untouched; a partially written
	// segment is never visible to readers.
	ErrWriteFailure = errors.New("archive write failure")

	// ErrCorruptSegment reports an unreadable segment. Loads skip the
	// segment with a warning instead of aborting.
	ErrCorruptSegment = errors.New("corrupt archive segment")

	// ErrSegmentNotFound reports a lookup for a segment that does not
	// exist (possibly pruned).
	ErrSegmentNotFound = errors.New("archive segment not found")

	// ErrEmptySegment reports an attempt to append a segment with no
	// messages.
	ErrEmptySegment = errors.New("segment must contain at least one message")
)

// corruptError wraps ErrCorruptSegment with the offending path.
func corruptError(path string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrCorruptSegment, path, err)
}
