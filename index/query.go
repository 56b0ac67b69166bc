package index

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/hupe1980/pocketrag/blobstore"
	"github.com/hupe1980/pocketrag/internal/manifest"
	"github.com/hupe1980/pocketrag/internal/resource"
	"github.com/hupe1980/pocketrag/internal/segment"
	"github.com/hupe1980/pocketrag/model"
)

// QuerySegments yields a view of the write buffer followed by every segment
// that can hold records matching filter. Segments are loaded on demand.
//
// A segment that cannot be loaded is reported as a *SegmentError wrapping
// ErrSegmentCorrupt or ErrSegmentLoadOOM, and iteration continues with the
// next segment. Context cancellation ends iteration with ctx.Err().
//
// Compaction does not publish while an iteration is in progress; consumers
// should not hold the iterator open longer than a query.
func (idx *Index) QuerySegments(ctx context.Context, filter *model.Filter) iter.Seq2[segment.View, error] {
	return func(yield func(segment.View, error) bool) {
		if idx.closed.Load() {
			yield(segment.View{}, ErrClosed)
			return
		}

		idx.gate.RLock()
		defer idx.gate.RUnlock()

		st := idx.state.Load()
		if len(st.buffer) > 0 {
			buffered := segment.NewBuffered(idx.version, st.m.Dim, st.buffer)
			if !yield(segment.View{Segment: buffered, Buffered: true}, nil) {
				return
			}
		}

		for i := range st.m.Segments {
			info := &st.m.Segments[i]
			if !mayMatch(info, filter) {
				continue
			}
			if err := ctx.Err(); err != nil {
				yield(segment.View{}, err)
				return
			}

			seg, err := idx.load(ctx, info)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					yield(segment.View{}, err)
					return
				}
				if !yield(segment.View{}, &SegmentError{ID: info.ID, Err: err}) {
					return
				}
				continue
			}
			if !yield(segment.View{Segment: seg, Tombstones: info.Tombstones}, nil) {
				return
			}
		}
	}
}

// mayMatch prunes segments using manifest metadata only.
func mayMatch(info *manifest.SegmentInfo, filter *model.Filter) bool {
	if info.LiveCount() == 0 {
		return false
	}
	if !filter.MatchesCategories(info.Categories) {
		return false
	}
	if filter != nil && len(filter.SourceDocumentIDs) > 0 {
		for _, doc := range filter.SourceDocumentIDs {
			if info.LiveDocRows(doc) != nil {
				return true
			}
		}
		return false
	}
	return true
}

// load returns the resident segment, reading it from storage if needed.
func (idx *Index) load(ctx context.Context, info *manifest.SegmentInfo) (*segment.Segment, error) {
	if seg, ok := idx.resident.Get(info.ID); ok {
		return seg, nil
	}

	v, err, _ := idx.loads.Do(info.ID.String(), func() (any, error) {
		if seg, ok := idx.resident.Get(info.ID); ok {
			return seg, nil
		}

		res, err := idx.reserve(info)
		if err != nil {
			return nil, err
		}

		seg, err := idx.readSegment(ctx, info.ID)
		if err != nil {
			res.Release()
			return nil, err
		}
		return idx.resident.Add(seg, res), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*segment.Segment), nil
}

// reserve takes memory for decoding info from the budget, evicting
// resident segments to make room.
func (idx *Index) reserve(info *manifest.SegmentInfo) (*resource.Reservation, error) {
	idx.resident.MakeRoom(info.ResidentBytes)

	res, err := idx.rc.Reserve(info.ResidentBytes)
	if errors.Is(err, resource.ErrMemoryLimitExceeded) {
		idx.resident.EvictOldest()
		res, err = idx.rc.Reserve(info.ResidentBytes)
	}
	if err != nil {
		idx.oomSkips.Add(1)
		idx.logger.Warn("segment load exceeds memory limit", "segment", info.ID.String(), "bytes", info.ResidentBytes)
		return nil, fmt.Errorf("%w: %w", ErrSegmentLoadOOM, err)
	}
	return res, nil
}

// readSegment reads and decodes a segment without caching it.
func (idx *Index) readSegment(ctx context.Context, id model.SegmentID) (*segment.Segment, error) {
	name := segmentFileName(id)
	blob, err := idx.store.Open(ctx, name)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, idx.markCorrupt(id, fmt.Errorf("%w: blob %s missing", ErrSegmentCorrupt, name))
		}
		return nil, err
	}
	defer func() { _ = blob.Close() }()

	data, err := blobstore.ReadAll(ctx, blob)
	if err != nil {
		return nil, err
	}
	seg, err := segment.Decode(data)
	if err != nil {
		return nil, idx.markCorrupt(id, err)
	}
	if seg.ID() != id || seg.ModelVersion() != idx.version {
		return nil, idx.markCorrupt(id, fmt.Errorf("%w: header names segment %s of %q", ErrSegmentCorrupt, seg.ID(), seg.ModelVersion()))
	}
	return seg, nil
}

func (idx *Index) markCorrupt(id model.SegmentID, err error) error {
	idx.corrupt.Add(1)
	idx.logger.Warn("skipping corrupt segment", "segment", id.String(), "error", err)
	return err
}
