package index

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/pocketrag/internal/manifest"
	"github.com/hupe1980/pocketrag/internal/segment"
	"github.com/hupe1980/pocketrag/model"
)

// CompactOptions selects the segments to rewrite.
type CompactOptions struct {
	// TombstoneThreshold rewrites segments whose deleted ratio is at least
	// this value. Default 0.2.
	TombstoneThreshold float64
	// MinSegmentRows merges segments with fewer live rows. Default half the
	// segment size. Negative disables merging.
	MinSegmentRows int
}

func (o CompactOptions) withDefaults(segmentSize int) CompactOptions {
	if o.TombstoneThreshold <= 0 {
		o.TombstoneThreshold = DefaultTombstoneThreshold
	}
	if o.MinSegmentRows == 0 {
		o.MinSegmentRows = segmentSize / 2
	}
	return o
}

// CompactionReport summarizes one compaction run.
type CompactionReport struct {
	Inputs      []model.SegmentID
	Outputs     []model.SegmentID
	RemovedRows int
	Duration    time.Duration
}

// rowLoc maps an input row to its output location; out < 0 means dropped.
type rowLoc struct {
	out int
	row model.RowID
}

// Compact rewrites segments per opts (zero fields take the index defaults).
func (idx *Index) Compact(ctx context.Context, opts CompactOptions) (CompactionReport, error) {
	if idx.closed.Load() {
		return CompactionReport{}, ErrClosed
	}
	opts = opts.withDefaults(idx.opts.segmentSize)
	start := time.Now()

	done, err := idx.rc.BeginBackground(ctx)
	if err != nil {
		return CompactionReport{}, err
	}
	defer done()

	idx.compactMu.Lock()
	defer idx.compactMu.Unlock()

	snap := idx.state.Load().m
	inputs := planCompaction(snap, opts)
	if len(inputs) == 0 {
		return CompactionReport{}, nil
	}

	// Phase 1: rewrite live rows without holding the write lock. Inputs
	// are decoded one at a time and outputs are written as they fill.
	var (
		cur       []model.Record
		ids       []model.SegmentID
		newInfos  []manifest.SegmentInfo
		locs      = make(map[model.SegmentID][]rowLoc, len(inputs))
		removed   int
		dim       int
		maxOutput = idx.opts.segmentSize
	)
	abort := func(err error) (CompactionReport, error) {
		idx.deleteSegments(ctx, ids)
		return CompactionReport{}, err
	}
	emit := func() error {
		id := idx.allocSegmentIDs(1)[0]
		seg, err := segment.New(id, idx.version, dim, cur)
		if err != nil {
			return err
		}
		size, err := idx.writeSegment(ctx, seg)
		if err != nil {
			return err
		}
		ids = append(ids, id)
		newInfos = append(newInfos, manifest.NewSegmentInfo(id, size, seg.SizeBytes(), seg.Categories(), seg.DocPostings()))
		cur = make([]model.Record, 0, maxOutput)
		return nil
	}

	for i := range inputs {
		info := &inputs[i]
		seg, release, err := idx.openInput(ctx, info)
		if err != nil {
			return abort(fmt.Errorf("read segment %s: %w", info.ID, err))
		}
		dim = seg.Dim()

		view := segment.View{Segment: seg, Tombstones: info.Tombstones}
		loc := make([]rowLoc, seg.Len())
		for j := range loc {
			loc[j].out = -1
		}
		for row, rec := range view.All {
			if len(cur) == maxOutput {
				if err := emit(); err != nil {
					release()
					return abort(err)
				}
			}
			loc[row] = rowLoc{out: len(newInfos), row: model.RowID(len(cur))}
			cur = append(cur, *rec)
		}
		removed += seg.Len() - view.LiveCount()
		locs[info.ID] = loc
		release()
	}
	if len(cur) > 0 {
		if err := emit(); err != nil {
			return abort(err)
		}
	}

	// Phase 2: commit.
	if err := idx.commitCompaction(ctx, inputs, newInfos, locs); err != nil {
		return abort(err)
	}

	inputIDs := make([]model.SegmentID, len(inputs))
	for i, info := range inputs {
		inputIDs[i] = info.ID
		idx.resident.Remove(info.ID)
	}
	idx.deleteSegments(ctx, inputIDs)
	idx.compactions.Add(1)

	report := CompactionReport{
		Inputs:      inputIDs,
		Outputs:     ids,
		RemovedRows: removed,
		Duration:    time.Since(start),
	}
	idx.logger.Info("compaction finished",
		"inputs", len(report.Inputs), "outputs", len(report.Outputs),
		"removed_rows", removed, "duration", report.Duration)
	return report, nil
}

// planCompaction picks segments over the tombstone threshold plus small
// segments worth merging.
func planCompaction(m *manifest.Manifest, opts CompactOptions) []manifest.SegmentInfo {
	var dirty, small []manifest.SegmentInfo
	for _, info := range m.Segments {
		switch {
		case info.TombstoneCount() > 0 && info.TombstoneRatio() >= opts.TombstoneThreshold:
			dirty = append(dirty, info)
		case opts.MinSegmentRows > 0 && info.LiveCount() < uint64(opts.MinSegmentRows):
			small = append(small, info)
		}
	}
	// A lone small segment has nothing to merge with.
	if len(dirty) == 0 && len(small) < 2 {
		return nil
	}
	out := append(dirty, small...)
	slices.SortFunc(out, func(a, b manifest.SegmentInfo) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// openInput returns the resident copy of a compaction input or decodes it
// under a memory reservation. The returned func releases the reservation.
func (idx *Index) openInput(ctx context.Context, info *manifest.SegmentInfo) (*segment.Segment, func(), error) {
	if seg, ok := idx.resident.Get(info.ID); ok {
		return seg, func() {}, nil
	}
	res, err := idx.reserve(info)
	if err != nil {
		return nil, nil, err
	}
	seg, err := idx.readSegment(ctx, info.ID)
	if err != nil {
		res.Release()
		return nil, nil, err
	}
	return seg, res.Release, nil
}

func (idx *Index) allocSegmentIDs(n int) []model.SegmentID {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	ids := make([]model.SegmentID, n)
	for i := range ids {
		ids[i] = idx.nextSegID
		idx.nextSegID++
	}
	return ids
}

// commitCompaction swaps inputs for outputs in the manifest. Rows deleted
// after the snapshot are carried over to the outputs through locs.
//
// The gate is taken before writeMu: in-flight queries may still load the
// inputs, and writers keep going while they drain.
func (idx *Index) commitCompaction(ctx context.Context, inputs, outputs []manifest.SegmentInfo, locs map[model.SegmentID][]rowLoc) error {
	idx.gate.Lock()
	defer idx.gate.Unlock()

	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	st := idx.state.Load()
	m := st.m.Clone()

	late := make([]*roaring.Bitmap, len(outputs))
	for _, in := range inputs {
		i := m.Segment(in.ID)
		if i < 0 {
			return fmt.Errorf("segment %s vanished during compaction", in.ID)
		}
		cur := m.Segments[i].Tombstones
		if cur == nil {
			continue
		}
		added := cur
		if in.Tombstones != nil {
			added = roaring.AndNot(cur, in.Tombstones)
		}
		for it := added.Iterator(); it.HasNext(); {
			l := locs[in.ID][it.Next()]
			if l.out < 0 {
				continue
			}
			if late[l.out] == nil {
				late[l.out] = roaring.New()
			}
			late[l.out].Add(uint32(l.row))
		}
	}

	m.Segments = slices.DeleteFunc(m.Segments, func(s manifest.SegmentInfo) bool {
		return slices.ContainsFunc(inputs, func(in manifest.SegmentInfo) bool { return in.ID == s.ID })
	})
	for i, out := range outputs {
		out.Tombstones = late[i]
		m.Segments = append(m.Segments, out)
	}
	slices.SortFunc(m.Segments, func(a, b manifest.SegmentInfo) int {
		return cmp.Compare(a.ID, b.ID)
	})
	m.NextSegmentID = idx.nextSegID

	if err := idx.manifests.Save(ctx, m); err != nil {
		return fmt.Errorf("commit compaction: %w", err)
	}

	idx.state.Store(&state{m: m, buffer: st.buffer})
	return nil
}

func (idx *Index) deleteSegments(ctx context.Context, ids []model.SegmentID) {
	ctx = context.WithoutCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range ids {
		g.Go(func() error {
			return idx.store.Delete(gctx, segmentFileName(id))
		})
	}
	if err := g.Wait(); err != nil {
		idx.logger.Warn("failed to delete segment blobs", "error", err)
	}
}

// StartCompactor runs Compact every interval until ctx is done or the index
// is closed.
func (idx *Index) StartCompactor(ctx context.Context, interval time.Duration) {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()
	if idx.compactorStop != nil || interval <= 0 {
		return
	}
	stop := make(chan struct{})
	idx.compactorStop = stop

	idx.compactorWG.Add(1)
	go func() {
		defer idx.compactorWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if _, err := idx.Compact(ctx, idx.opts.compaction); err != nil && ctx.Err() == nil && !errors.Is(err, ErrClosed) {
					idx.logger.Error("background compaction failed", "error", err)
				}
			}
		}
	}()
}

func (idx *Index) stopCompactor() {
	idx.writeMu.Lock()
	stop := idx.compactorStop
	idx.compactorStop = nil
	idx.writeMu.Unlock()

	if stop != nil {
		close(stop)
		idx.compactorWG.Wait()
	}
}
