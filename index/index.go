package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/pocketrag/blobstore"
	"github.com/hupe1980/pocketrag/internal/cache"
	"github.com/hupe1980/pocketrag/internal/manifest"
	"github.com/hupe1980/pocketrag/internal/resource"
	"github.com/hupe1980/pocketrag/internal/segment"
	"github.com/hupe1980/pocketrag/model"
)

const (
	segmentFilePrefix = "segment-"
	segmentFileSuffix = ".seg"
)

func segmentFileName(id model.SegmentID) string {
	return segmentFilePrefix + id.String() + segmentFileSuffix
}

// state is the immutable view published to queries: the committed manifest
// plus the write buffer at the same instant.
type state struct {
	m      *manifest.Manifest
	buffer []model.Record
}

// Index is the vector index of one model version.
type Index struct {
	store     blobstore.BlobStore
	manifests *manifest.Store
	version   string
	opts      options
	logger    *slog.Logger
	rc        *resource.Controller

	// writeMu serializes insert, flush, delete and compaction commit.
	writeMu   sync.Mutex
	dim       int
	nextSegID model.SegmentID

	state atomic.Pointer[state]

	// gate: queries hold the read side; compaction swaps under the write
	// side. It is acquired before writeMu.
	gate      sync.RWMutex
	compactMu sync.Mutex
	resident  *cache.ResidentSet
	loads     singleflight.Group

	corrupt     atomic.Int64
	oomSkips    atomic.Int64
	compactions atomic.Int64

	compactorStop chan struct{}
	compactorWG   sync.WaitGroup
	closed        atomic.Bool
}

// Open opens (or creates) the index of modelVersion under store.
func Open(ctx context.Context, store blobstore.BlobStore, modelVersion string, optFns ...Option) (*Index, error) {
	if modelVersion == "" {
		return nil, errors.New("index: empty model version")
	}
	opts := applyOptions(optFns)
	sub := blobstore.Sub(store, Prefix(modelVersion))

	idx := &Index{
		store:     sub,
		manifests: manifest.NewStore(sub),
		version:   modelVersion,
		opts:      opts,
		logger:    opts.logger.With("model_version", modelVersion),
		rc:        opts.rc,
		resident:  cache.NewResidentSet(opts.maxResidentSegments, opts.maxResidentBytes),
	}

	m, err := idx.manifests.Load(ctx)
	switch {
	case errors.Is(err, manifest.ErrNotFound):
		m = manifest.New(modelVersion, 0)
	case err != nil:
		return nil, fmt.Errorf("load manifest: %w", err)
	case m.ModelVersion != modelVersion:
		return nil, fmt.Errorf("%w: manifest holds %q, want %q", ErrModelVersionMismatch, m.ModelVersion, modelVersion)
	}

	idx.dim = m.Dim
	idx.nextSegID = m.NextSegmentID
	idx.state.Store(&state{m: m})

	if err := idx.removeOrphans(ctx, m); err != nil {
		idx.logger.Warn("failed to remove orphan segments", "error", err)
	}

	idx.logger.Debug("index opened", "segments", len(m.Segments), "dim", m.Dim)
	return idx, nil
}

// removeOrphans deletes segment blobs not referenced by the manifest, left
// behind by a crash between writing a segment and committing the manifest.
func (idx *Index) removeOrphans(ctx context.Context, m *manifest.Manifest) error {
	names, err := idx.store.List(ctx, segmentFilePrefix)
	if err != nil {
		return err
	}
	live := make(map[string]struct{}, len(m.Segments))
	for i := range m.Segments {
		live[segmentFileName(m.Segments[i].ID)] = struct{}{}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, name := range names {
		if _, ok := live[name]; ok || !strings.HasSuffix(name, segmentFileSuffix) {
			continue
		}
		g.Go(func() error {
			idx.logger.Info("removing orphan segment", "blob", name)
			return idx.store.Delete(gctx, name)
		})
	}
	return g.Wait()
}

// ModelVersion returns the model version this index stores.
func (idx *Index) ModelVersion() string { return idx.version }

// Dim returns the vector dimension, or 0 before the first insert.
func (idx *Index) Dim() int {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()
	return idx.dim
}

func (idx *Index) validate(rec *model.Record) error {
	if rec.ModelVersion != idx.version {
		return fmt.Errorf("%w: record %q has %q, index %q", ErrModelVersionMismatch, rec.ID, rec.ModelVersion, idx.version)
	}
	if len(rec.Vector) == 0 {
		return fmt.Errorf("record %q: %w", rec.ID, ErrEmptyVector)
	}
	if idx.dim != 0 && len(rec.Vector) != idx.dim {
		return &ErrDimensionMismatch{Expected: idx.dim, Actual: len(rec.Vector)}
	}
	return nil
}

// Insert appends rec to the write buffer, flushing when it is full.
func (idx *Index) Insert(ctx context.Context, rec model.Record) error {
	return idx.InsertBatch(ctx, []model.Record{rec})
}

// InsertBatch appends recs atomically: either all are buffered or none.
func (idx *Index) InsertBatch(ctx context.Context, recs []model.Record) error {
	if idx.closed.Load() {
		return ErrClosed
	}
	if len(recs) == 0 {
		return nil
	}

	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	dim := idx.dim
	for i := range recs {
		if err := idx.validate(&recs[i]); err != nil {
			idx.dim = dim
			return err
		}
		if idx.dim == 0 {
			idx.dim = len(recs[i].Vector)
		}
	}

	st := idx.state.Load()
	// Appending never rewrites elements visible through an older snapshot.
	buf := append(st.buffer, recs...)
	idx.state.Store(&state{m: st.m, buffer: buf})

	if len(buf) >= idx.opts.segmentSize {
		return idx.flushLocked(ctx)
	}
	return nil
}

// Flush persists the write buffer as a new segment.
func (idx *Index) Flush(ctx context.Context) error {
	if idx.closed.Load() {
		return ErrClosed
	}
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()
	return idx.flushLocked(ctx)
}

// flushLocked writes the buffer as segments of at most segmentSize rows
// and commits them in one manifest.
func (idx *Index) flushLocked(ctx context.Context) error {
	st := idx.state.Load()
	if len(st.buffer) == 0 {
		return nil
	}

	m := st.m.Clone()
	m.Dim = idx.dim
	id := idx.nextSegID
	var written []model.SegmentID
	discard := func() {
		for _, w := range written {
			_ = idx.store.Delete(context.WithoutCancel(ctx), segmentFileName(w))
		}
	}

	for rows := range slices.Chunk(st.buffer, idx.opts.segmentSize) {
		seg, err := segment.New(id, idx.version, idx.dim, slices.Clone(rows))
		if err != nil {
			discard()
			return err
		}
		size, err := idx.writeSegment(ctx, seg)
		if err != nil {
			discard()
			return err
		}
		written = append(written, id)
		m.Segments = append(m.Segments, manifest.NewSegmentInfo(id, size, seg.SizeBytes(), seg.Categories(), seg.DocPostings()))
		idx.logger.Debug("flushed segment", "segment", id.String(), "rows", seg.Len(), "bytes", size)
		id++
	}

	m.NextSegmentID = id
	if err := idx.manifests.Save(ctx, m); err != nil {
		discard()
		return fmt.Errorf("commit segments: %w", err)
	}

	idx.nextSegID = id
	idx.state.Store(&state{m: m, buffer: make([]model.Record, 0, idx.opts.segmentSize)})
	return nil
}

// writeSegment encodes and persists seg, returning the blob size.
func (idx *Index) writeSegment(ctx context.Context, seg *segment.Segment) (int64, error) {
	data, err := segment.Encode(seg, idx.opts.compression)
	if err != nil {
		return 0, err
	}

	name := segmentFileName(seg.ID())
	w, err := idx.store.Create(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := idx.rc.Writer(ctx, w).Write(data); err != nil {
		_ = w.Abort()
		return 0, fmt.Errorf("write %s: %w", name, err)
	}
	if err := w.Sync(); err != nil {
		_ = w.Abort()
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("close %s: %w", name, err)
	}
	return int64(len(data)), nil
}

// Delete tombstones every record of sourceDocumentID and returns how many
// records were removed.
func (idx *Index) Delete(ctx context.Context, sourceDocumentID string) (int, error) {
	if idx.closed.Load() {
		return 0, ErrClosed
	}

	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	st := idx.state.Load()
	deleted := 0

	buf := st.buffer
	if slices.ContainsFunc(buf, func(r model.Record) bool { return r.SourceDocumentID == sourceDocumentID }) {
		kept := make([]model.Record, 0, cap(buf))
		for _, r := range buf {
			if r.SourceDocumentID == sourceDocumentID {
				deleted++
				continue
			}
			kept = append(kept, r)
		}
		buf = kept
	}

	m := st.m
	var touched bool
	for i := range st.m.Segments {
		rows := st.m.Segments[i].LiveDocRows(sourceDocumentID)
		if rows == nil {
			continue
		}
		if !touched {
			m = st.m.Clone()
			touched = true
		}
		info := &m.Segments[i]
		if info.Tombstones == nil {
			info.Tombstones = rows.Clone()
		} else {
			info.Tombstones = roaring.Or(info.Tombstones, rows)
		}
		deleted += int(rows.GetCardinality())
	}

	if touched {
		if err := idx.manifests.Save(ctx, m); err != nil {
			return 0, fmt.Errorf("commit delete: %w", err)
		}
	}
	if deleted > 0 {
		idx.state.Store(&state{m: m, buffer: buf})
	}
	return deleted, nil
}

// Stats is a point-in-time summary of the index.
type Stats struct {
	ModelVersion    string
	Dim             int
	Segments        int
	MaxSegmentRows  int
	Records         uint64
	Tombstones      uint64
	Buffered        int
	DiskBytes       int64
	Resident        int
	ResidentBytes   int64
	PeakResident    int
	CacheHits       int64
	CacheMisses     int64
	Evictions       int64
	CorruptSegments int64
	OOMSkips        int64
	Compactions     int64
}

// Stats returns current counters.
func (idx *Index) Stats() Stats {
	st := idx.state.Load()
	rows, tomb := st.m.RecordCount()
	cs := idx.resident.Stats()
	maxRows := 0
	for i := range st.m.Segments {
		maxRows = max(maxRows, int(st.m.Segments[i].RowCount))
	}
	return Stats{
		ModelVersion:    idx.version,
		Dim:             st.m.Dim,
		Segments:        len(st.m.Segments),
		MaxSegmentRows:  maxRows,
		Records:         rows - tomb + uint64(len(st.buffer)),
		Tombstones:      tomb,
		Buffered:        len(st.buffer),
		DiskBytes:       st.m.DiskBytes(),
		Resident:        cs.Resident,
		ResidentBytes:   cs.Bytes,
		PeakResident:    cs.Peak,
		CacheHits:       cs.Hits,
		CacheMisses:     cs.Misses,
		Evictions:       cs.Evictions,
		CorruptSegments: idx.corrupt.Load(),
		OOMSkips:        idx.oomSkips.Load(),
		Compactions:     idx.compactions.Load(),
	}
}

// Close stops the compactor, flushes the write buffer and releases resident
// segments. It is safe to call more than once.
func (idx *Index) Close(ctx context.Context) error {
	if !idx.closed.CompareAndSwap(false, true) {
		return nil
	}
	idx.stopCompactor()

	idx.writeMu.Lock()
	err := idx.flushLocked(ctx)
	idx.writeMu.Unlock()

	idx.resident.Clear()
	return err
}
