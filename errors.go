package pocketrag

import (
	"errors"
	"fmt"

	"github.com/hupe1980/pocketrag/embedding"
	"github.com/hupe1980/pocketrag/index"
	"github.com/hupe1980/pocketrag/internal/docstore"
	"github.com/hupe1980/pocketrag/search"
)

var (
	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")
	// ErrEmptyDocumentID is returned when ingesting or deleting without an ID.
	ErrEmptyDocumentID = errors.New("empty document id")
	// ErrNotFound is returned when a document is unknown.
	ErrNotFound = errors.New("not found")
	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("engine closed")
)

// Errors of the lower layers, re-exported so callers only import pocketrag.
var (
	ErrModelNotLoaded       = embedding.ErrModelNotLoaded
	ErrModelUnavailable     = embedding.ErrModelUnavailable
	ErrModelVersionMismatch = index.ErrModelVersionMismatch
	ErrSegmentCorrupt       = index.ErrSegmentCorrupt
	ErrSegmentLoadOOM       = index.ErrSegmentLoadOOM
)

// ErrDimensionMismatch reports a vector whose length differs from the
// dimension of its index.
type ErrDimensionMismatch = index.ErrDimensionMismatch

// DocumentError records the failure of one document in a batch.
type DocumentError struct {
	DocumentID string
	Err        error
}

func (e *DocumentError) Error() string {
	return fmt.Sprintf("document %q: %v", e.DocumentID, e.Err)
}

func (e *DocumentError) Unwrap() error { return e.Err }

// internalErrors maps errors of internal packages onto the exported
// sentinels. The original error stays in the chain.
var internalErrors = []struct{ from, to error }{
	{docstore.ErrNotFound, ErrNotFound},
	{index.ErrClosed, ErrClosed},
	{search.ErrInvalidK, ErrInvalidK},
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	for _, m := range internalErrors {
		if errors.Is(err, m.from) && !errors.Is(err, m.to) {
			return fmt.Errorf("%w: %w", m.to, err)
		}
	}
	return err
}
