package model

import (
	"fmt"
	"slices"
	"time"
)

// SegmentID identifies a segment within one model version's index.
type SegmentID uint64

// String returns the zero-padded form used in segment blob names.
func (id SegmentID) String() string {
	return fmt.Sprintf("%06d", uint64(id))
}

// RowID is a dense, segment-local record position.
// It changes when a segment is rewritten by compaction.
type RowID uint32

// Record is one embedded chunk of a source document.
type Record struct {
	ID               string
	SourceDocumentID string
	ChunkIndex       int
	// Text is the retained passage used for assembly and citation.
	Text string
	// Vector is L2-normalized and has the dimension of ModelVersion's space.
	Vector       []float32
	ModelVersion string
	Category     string
	CreatedAt    time.Time
	// StartOffset and EndOffset locate Text in the source document (bytes).
	StartOffset int
	EndOffset   int
}

// RecordID returns the canonical record ID for a document chunk.
func RecordID(sourceDocumentID string, chunkIndex int) string {
	return fmt.Sprintf("%s#%d", sourceDocumentID, chunkIndex)
}

// SizeBytes estimates the resident heap footprint of the record.
func (r *Record) SizeBytes() int64 {
	const overhead = 96 // headers of strings, slice and time
	return int64(overhead + len(r.ID) + len(r.SourceDocumentID) + len(r.Text) +
		len(r.ModelVersion) + len(r.Category) + 4*len(r.Vector))
}

// Filter scopes a query. The zero value matches everything.
type Filter struct {
	// Category, if set, must equal Record.Category.
	Category string
	// SourceDocumentIDs, if non-empty, restricts results to these documents.
	SourceDocumentIDs []string
}

// IsEmpty reports whether the filter matches every record.
func (f *Filter) IsEmpty() bool {
	return f == nil || (f.Category == "" && len(f.SourceDocumentIDs) == 0)
}

// Matches reports whether rec passes the filter. A nil filter matches.
func (f *Filter) Matches(rec *Record) bool {
	if f == nil {
		return true
	}
	if f.Category != "" && rec.Category != f.Category {
		return false
	}
	if len(f.SourceDocumentIDs) > 0 && !slices.Contains(f.SourceDocumentIDs, rec.SourceDocumentID) {
		return false
	}
	return true
}

// MatchesCategories reports whether a segment holding the given categories
// can contain a matching record.
func (f *Filter) MatchesCategories(categories []string) bool {
	if f == nil || f.Category == "" {
		return true
	}
	return slices.Contains(categories, f.Category)
}

// Hit is a scored search result.
type Hit struct {
	ID               string
	Score            float32
	Text             string
	SourceDocumentID string
	ChunkIndex       int
	Category         string
	StartOffset      int
	EndOffset        int
}

// NewHit builds a Hit from a record and its score.
func NewHit(rec *Record, score float32) Hit {
	return Hit{
		ID:               rec.ID,
		Score:            score,
		Text:             rec.Text,
		SourceDocumentID: rec.SourceDocumentID,
		ChunkIndex:       rec.ChunkIndex,
		Category:         rec.Category,
		StartOffset:      rec.StartOffset,
		EndOffset:        rec.EndOffset,
	}
}
