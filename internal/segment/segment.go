package segment

import (
	"errors"
	"fmt"
	"slices"

	"github.com/hupe1980/pocketrag/model"
)

var (
	// ErrCorrupt is returned when a segment file fails validation.
	ErrCorrupt = errors.New("segment corrupt")
	// ErrEmpty is returned when building a segment without records.
	ErrEmpty = errors.New("segment has no records")
)

// Segment is an immutable group of records sharing one model version and
// dimension. Row i is Records[i].
type Segment struct {
	id           model.SegmentID
	modelVersion string
	dim          int
	records      []model.Record
	categories   []string
	sizeBytes    int64
}

// New builds a segment from records. The slice is retained; callers must not
// modify it afterwards.
func New(id model.SegmentID, modelVersion string, dim int, records []model.Record) (*Segment, error) {
	if len(records) == 0 {
		return nil, ErrEmpty
	}
	for i := range records {
		r := &records[i]
		if r.ModelVersion != modelVersion {
			return nil, fmt.Errorf("record %q: model version %q, segment %q", r.ID, r.ModelVersion, modelVersion)
		}
		if len(r.Vector) != dim {
			return nil, fmt.Errorf("record %q: dimension %d, segment %d", r.ID, len(r.Vector), dim)
		}
	}
	return newUnchecked(id, modelVersion, dim, records), nil
}

// NewBuffered wraps not-yet-flushed records for scanning. It skips
// validation; the write path validates on insert.
func NewBuffered(modelVersion string, dim int, records []model.Record) *Segment {
	return newUnchecked(0, modelVersion, dim, records)
}

func newUnchecked(id model.SegmentID, modelVersion string, dim int, records []model.Record) *Segment {
	s := &Segment{
		id:           id,
		modelVersion: modelVersion,
		dim:          dim,
		records:      records,
	}
	for i := range records {
		s.sizeBytes += records[i].SizeBytes()
		if c := records[i].Category; c != "" && !slices.Contains(s.categories, c) {
			s.categories = append(s.categories, c)
		}
	}
	slices.Sort(s.categories)
	return s
}

func (s *Segment) ID() model.SegmentID  { return s.id }
func (s *Segment) ModelVersion() string { return s.modelVersion }
func (s *Segment) Dim() int             { return s.dim }
func (s *Segment) Len() int             { return len(s.records) }

// SizeBytes estimates the resident footprint of the decoded segment.
func (s *Segment) SizeBytes() int64 { return s.sizeBytes }

// Categories returns the sorted distinct non-empty categories.
func (s *Segment) Categories() []string { return s.categories }

// Record returns the record at row. The result must not be modified.
func (s *Segment) Record(row model.RowID) *model.Record {
	return &s.records[row]
}

// Records returns all rows. The result must not be modified.
func (s *Segment) Records() []model.Record { return s.records }

// DocPostings maps source document IDs to the rows they occupy.
func (s *Segment) DocPostings() map[string][]model.RowID {
	out := make(map[string][]model.RowID)
	for i := range s.records {
		doc := s.records[i].SourceDocumentID
		out[doc] = append(out[doc], model.RowID(i))
	}
	return out
}
