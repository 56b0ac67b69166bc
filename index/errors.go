package index

import (
	"errors"
	"fmt"

	"github.com/hupe1980/pocketrag/internal/segment"
	"github.com/hupe1980/pocketrag/model"
)

var (
	// ErrClosed is returned by operations on a closed index.
	ErrClosed = errors.New("index closed")
	// ErrModelVersionMismatch is returned when inserting a record embedded by
	// another model version.
	ErrModelVersionMismatch = errors.New("model version mismatch")
	// ErrEmptyVector is returned when inserting a record without a vector.
	ErrEmptyVector = errors.New("empty vector")
	// ErrSegmentCorrupt marks a segment that failed validation on load.
	ErrSegmentCorrupt = segment.ErrCorrupt
	// ErrSegmentLoadOOM marks a segment that could not be loaded within the
	// memory limit, even after evicting a resident segment.
	ErrSegmentLoadOOM = errors.New("out of memory loading segment")
)

// ErrDimensionMismatch is returned when a record's vector length differs
// from the index dimension.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// SegmentError reports a segment skipped by QuerySegments.
type SegmentError struct {
	ID  model.SegmentID
	Err error
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("segment %s: %v", e.ID, e.Err)
}

func (e *SegmentError) Unwrap() error { return e.Err }

// SegmentID returns the skipped segment.
func (e *SegmentError) SegmentID() model.SegmentID { return e.ID }
