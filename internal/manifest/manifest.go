package manifest

import (
	"errors"
	"slices"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/pocketrag/model"
)

var (
	// ErrNotFound is returned when no manifest has been committed yet.
	ErrNotFound = errors.New("manifest not found")
	// ErrCorrupt is returned when a manifest file fails validation.
	ErrCorrupt = errors.New("manifest corrupt")
)

// Manifest describes one model version's index at a point in time.
type Manifest struct {
	ID            uint64
	CreatedAt     time.Time
	ModelVersion  string
	Dim           int
	NextSegmentID model.SegmentID
	Segments      []SegmentInfo
}

// New returns an empty manifest for a model version.
func New(modelVersion string, dim int) *Manifest {
	return &Manifest{
		ModelVersion:  modelVersion,
		Dim:           dim,
		NextSegmentID: 1,
	}
}

// SegmentInfo describes one persisted segment.
type SegmentInfo struct {
	ID       model.SegmentID
	RowCount uint32
	// Size is the encoded blob size in bytes.
	Size int64
	// ResidentBytes estimates the decoded in-memory size.
	ResidentBytes int64
	Categories    []string
	// Tombstones holds deleted rows; nil when none.
	Tombstones *roaring.Bitmap
	// Docs maps source document IDs to their rows.
	Docs map[string]*roaring.Bitmap
}

// TombstoneCount returns the number of deleted rows.
func (s *SegmentInfo) TombstoneCount() uint64 {
	if s.Tombstones == nil {
		return 0
	}
	return s.Tombstones.GetCardinality()
}

// LiveCount returns the number of rows not deleted.
func (s *SegmentInfo) LiveCount() uint64 {
	return uint64(s.RowCount) - s.TombstoneCount()
}

// TombstoneRatio returns deleted rows over total rows.
func (s *SegmentInfo) TombstoneRatio() float64 {
	if s.RowCount == 0 {
		return 0
	}
	return float64(s.TombstoneCount()) / float64(s.RowCount)
}

// LiveDocRows returns the rows of doc that are not yet deleted.
func (s *SegmentInfo) LiveDocRows(doc string) *roaring.Bitmap {
	rows, ok := s.Docs[doc]
	if !ok {
		return nil
	}
	if s.Tombstones == nil {
		return rows
	}
	live := roaring.AndNot(rows, s.Tombstones)
	if live.IsEmpty() {
		return nil
	}
	return live
}

// Clone returns a copy whose segment list can be modified independently.
// Bitmaps and maps are shared and must be replaced, not mutated.
func (m *Manifest) Clone() *Manifest {
	c := *m
	c.Segments = slices.Clone(m.Segments)
	return &c
}

// Segment returns the index of segment id, or -1.
func (m *Manifest) Segment(id model.SegmentID) int {
	return slices.IndexFunc(m.Segments, func(s SegmentInfo) bool { return s.ID == id })
}

// RecordCount returns total rows and deleted rows.
func (m *Manifest) RecordCount() (rows, tombstones uint64) {
	for i := range m.Segments {
		rows += uint64(m.Segments[i].RowCount)
		tombstones += m.Segments[i].TombstoneCount()
	}
	return rows, tombstones
}

// DiskBytes returns the summed encoded size of all segments.
func (m *Manifest) DiskBytes() int64 {
	var n int64
	for i := range m.Segments {
		n += m.Segments[i].Size
	}
	return n
}

// NewSegmentInfo builds the manifest entry for a freshly written segment.
func NewSegmentInfo(id model.SegmentID, size, residentBytes int64, categories []string, postings map[string][]model.RowID) SegmentInfo {
	info := SegmentInfo{
		ID:            id,
		Size:          size,
		ResidentBytes: residentBytes,
		Categories:    slices.Clone(categories),
		Docs:          make(map[string]*roaring.Bitmap, len(postings)),
	}
	for doc, rows := range postings {
		bm := roaring.New()
		for _, r := range rows {
			bm.Add(uint32(r))
		}
		info.RowCount += uint32(len(rows))
		info.Docs[doc] = bm
	}
	return info
}
