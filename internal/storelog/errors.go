package storelog

import (
	"errors"
	"fmt"
)

// ErrWrongExpectedVersion is returned when the caller's expected stream
// version does not match the stream's current last id.
type ErrWrongExpectedVersion struct {
	Stream   string
	Expected *uint64
	Current  *uint64
}

func (e *ErrWrongExpectedVersion) Error() string {
	return fmt.Sprintf("wrong expected version for stream %q: expected=%s current=%s",
		e.Stream, formatOptionalVersion(e.Expected), formatOptionalVersion(e.Current))
}

func formatOptionalVersion(v *uint64) string {
	if v == nil {
		return "none"
	}
	return fmt.Sprintf("%d", *v)
}

// ErrInvalidEventReference signals that the global index points at a message
// that no longer exists in its stream. This is a structural corruption, not
// a skip-and-continue condition.
type ErrInvalidEventReference struct {
	GlobalID   uint64
	StreamName string
	StreamID   uint64
}

func (e *ErrInvalidEventReference) Error() string {
	return fmt.Sprintf("global index entry %d references missing message %d in stream %q",
		e.GlobalID, e.StreamID, e.StreamName)
}

// ErrEmptyCategory is returned when a stream name has no category component.
var ErrEmptyCategory = errors.New("stream category must not be empty")
