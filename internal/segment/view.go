package segment

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/pocketrag/model"
)

// View is a resident segment paired with the tombstones visible to one query.
type View struct {
	Segment *Segment
	// Tombstones is a read-only snapshot; nil means no deleted rows.
	Tombstones *roaring.Bitmap
	// Buffered marks the view over unflushed records.
	Buffered bool
}

// Live reports whether row has not been deleted.
func (v View) Live(row model.RowID) bool {
	return v.Tombstones == nil || !v.Tombstones.Contains(uint32(row))
}

// LiveCount returns the number of rows not deleted.
func (v View) LiveCount() int {
	if v.Tombstones == nil {
		return v.Segment.Len()
	}
	return v.Segment.Len() - int(v.Tombstones.GetCardinality())
}

// All yields live rows in row order.
func (v View) All(yield func(model.RowID, *model.Record) bool) {
	for i := range v.Segment.records {
		row := model.RowID(i)
		if !v.Live(row) {
			continue
		}
		if !yield(row, &v.Segment.records[i]) {
			return
		}
	}
}
