package index

import (
	"context"
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/pocketrag/blobstore"
	"github.com/hupe1980/pocketrag/internal/resource"
	"github.com/hupe1980/pocketrag/internal/testutil"
	"github.com/hupe1980/pocketrag/model"
)

const testVersion = "test-model-v1"

func openIndex(t *testing.T, store blobstore.BlobStore, opts ...Option) *Index {
	t.Helper()
	idx, err := Open(context.Background(), store, testVersion, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close(context.Background()) })
	return idx
}

func insertDocs(t *testing.T, idx *Index, rng *testutil.RNG, docs, perDoc int, category string) {
	t.Helper()
	for d := 0; d < docs; d++ {
		recs := rng.Records(fmt.Sprintf("doc-%02d", d), perDoc, 4, testVersion, category)
		require.NoError(t, idx.InsertBatch(context.Background(), recs))
	}
}

func collect(t *testing.T, idx *Index, filter *model.Filter) ([]string, []error) {
	t.Helper()
	var ids []string
	var errs []error
	for v, err := range idx.QuerySegments(context.Background(), filter) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, rec := range v.All {
			ids = append(ids, rec.ID)
		}
	}
	slices.Sort(ids)
	return ids, errs
}

func TestIndex_InsertFlushQuery(t *testing.T) {
	idx := openIndex(t, blobstore.NewMemoryStore(), WithSegmentSize(4))
	insertDocs(t, idx, testutil.NewRNG(1), 3, 3, "")

	st := idx.Stats()
	// The second batch crosses the segment size; its six rows become two segments.
	assert.Equal(t, 2, st.Segments)
	assert.Equal(t, 4, st.MaxSegmentRows)
	assert.Equal(t, 3, st.Buffered)
	assert.Equal(t, uint64(9), st.Records)
	assert.Equal(t, 4, st.Dim)

	ids, errs := collect(t, idx, nil)
	assert.Empty(t, errs)
	assert.Len(t, ids, 9)
	assert.Contains(t, ids, "doc-02#2")
}

func TestIndex_LargeBatchSplitsSegments(t *testing.T) {
	store := blobstore.NewMemoryStore()
	idx := openIndex(t, store, WithSegmentSize(4))
	rng := testutil.NewRNG(11)

	require.NoError(t, idx.InsertBatch(context.Background(), rng.Records("big", 40, 4, testVersion, "")))

	st := idx.Stats()
	assert.Equal(t, 10, st.Segments)
	assert.Equal(t, 4, st.MaxSegmentRows)
	assert.Zero(t, st.Buffered)
	assert.Equal(t, uint64(40), st.Records)

	n := 0
	for v, err := range idx.QuerySegments(context.Background(), nil) {
		require.NoError(t, err)
		assert.LessOrEqual(t, v.LiveCount(), 4)
		n += v.LiveCount()
	}
	assert.Equal(t, 40, n)

	require.NoError(t, idx.Close(context.Background()))
	reopened := openIndex(t, store, WithSegmentSize(4))
	assert.Equal(t, 10, reopened.Stats().Segments)
	assert.Equal(t, 4, reopened.Stats().MaxSegmentRows)
}

func TestIndex_InsertValidation(t *testing.T) {
	idx := openIndex(t, blobstore.NewMemoryStore())
	rng := testutil.NewRNG(2)
	ctx := context.Background()

	rec := rng.Records("a", 1, 4, "other-model", "")[0]
	assert.ErrorIs(t, idx.Insert(ctx, rec), ErrModelVersionMismatch)

	rec = rng.Records("a", 1, 4, testVersion, "")[0]
	rec.Vector = nil
	assert.ErrorIs(t, idx.Insert(ctx, rec), ErrEmptyVector)

	require.NoError(t, idx.Insert(ctx, rng.Records("a", 1, 4, testVersion, "")[0]))

	var dm *ErrDimensionMismatch
	err := idx.Insert(ctx, rng.Records("b", 1, 8, testVersion, "")[0])
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 4, dm.Expected)
	assert.Equal(t, 8, dm.Actual)
}

func TestIndex_InsertBatchIsAllOrNothing(t *testing.T) {
	idx := openIndex(t, blobstore.NewMemoryStore())
	rng := testutil.NewRNG(3)

	recs := rng.Records("a", 3, 4, testVersion, "")
	recs[2].ModelVersion = "other"
	require.Error(t, idx.InsertBatch(context.Background(), recs))
	assert.Zero(t, idx.Stats().Buffered)
	assert.Zero(t, idx.Dim())
}

func TestIndex_ResidentBudget(t *testing.T) {
	const maxResident = 2
	idx := openIndex(t, blobstore.NewMemoryStore(), WithSegmentSize(4), WithMaxResidentSegments(maxResident))
	insertDocs(t, idx, testutil.NewRNG(4), 10, 4, "")
	require.Equal(t, 10, idx.Stats().Segments)

	for round := 0; round < 3; round++ {
		n := 0
		for v, err := range idx.QuerySegments(context.Background(), nil) {
			require.NoError(t, err)
			n += v.LiveCount()
			assert.LessOrEqual(t, idx.Stats().Resident, maxResident)
		}
		assert.Equal(t, 40, n)
	}

	st := idx.Stats()
	assert.LessOrEqual(t, st.PeakResident, maxResident)
	assert.Positive(t, st.Evictions)
}

func TestIndex_ResidentHits(t *testing.T) {
	idx := openIndex(t, blobstore.NewMemoryStore(), WithSegmentSize(2), WithMaxResidentSegments(8))
	insertDocs(t, idx, testutil.NewRNG(5), 2, 2, "")

	collect(t, idx, nil)
	collect(t, idx, nil)

	st := idx.Stats()
	assert.Equal(t, int64(2), st.CacheHits)
	assert.Zero(t, st.Evictions)
}

func TestIndex_Delete(t *testing.T) {
	idx := openIndex(t, blobstore.NewMemoryStore(), WithSegmentSize(7))
	insertDocs(t, idx, testutil.NewRNG(6), 4, 3, "")
	ctx := context.Background()
	require.Equal(t, 3, idx.Stats().Buffered)

	// doc-03 is still buffered.
	n, err := idx.Delete(ctx, "doc-03")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = idx.Delete(ctx, "doc-01")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = idx.Delete(ctx, "doc-01")
	require.NoError(t, err)
	assert.Zero(t, n)

	ids, errs := collect(t, idx, nil)
	assert.Empty(t, errs)
	assert.Len(t, ids, 6)
	for _, id := range ids {
		assert.NotContains(t, id, "doc-01")
		assert.NotContains(t, id, "doc-03")
	}
	assert.Equal(t, uint64(6), idx.Stats().Records)
}

func TestIndex_FilterPruning(t *testing.T) {
	idx := openIndex(t, blobstore.NewMemoryStore(), WithSegmentSize(3))
	rng := testutil.NewRNG(7)
	insertDocs(t, idx, rng, 1, 3, "math")
	require.NoError(t, idx.InsertBatch(context.Background(), rng.Records("bio-doc", 3, 4, testVersion, "bio")))

	segments := 0
	for v, err := range idx.QuerySegments(context.Background(), &model.Filter{Category: "bio"}) {
		require.NoError(t, err)
		segments++
		assert.Equal(t, []string{"bio"}, v.Segment.Categories())
	}
	assert.Equal(t, 1, segments)

	segments = 0
	for _, err := range idx.QuerySegments(context.Background(), &model.Filter{SourceDocumentIDs: []string{"doc-00"}}) {
		require.NoError(t, err)
		segments++
	}
	assert.Equal(t, 1, segments)
}

func TestIndex_Reopen(t *testing.T) {
	store := blobstore.NewMemoryStore()
	ctx := context.Background()

	idx, err := Open(ctx, store, testVersion, WithSegmentSize(4))
	require.NoError(t, err)
	insertDocs(t, idx, testutil.NewRNG(8), 3, 3, "")
	_, err = idx.Delete(ctx, "doc-00")
	require.NoError(t, err)
	require.NoError(t, idx.Close(ctx))
	require.NoError(t, idx.Close(ctx))
	assert.ErrorIs(t, idx.Insert(ctx, model.Record{}), ErrClosed)

	idx = openIndex(t, store, WithSegmentSize(4))
	ids, errs := collect(t, idx, nil)
	assert.Empty(t, errs)
	assert.Len(t, ids, 6)
	assert.Equal(t, 4, idx.Dim())
	assert.Zero(t, idx.Stats().Buffered)
}

func TestIndex_CorruptSegmentSkipped(t *testing.T) {
	store := blobstore.NewMemoryStore()
	idx := openIndex(t, store, WithSegmentSize(3))
	insertDocs(t, idx, testutil.NewRNG(9), 3, 3, "")
	require.Equal(t, 3, idx.Stats().Segments)

	require.True(t, store.Corrupt(Prefix(testVersion)+segmentFileName(2), 40))

	ids, errs := collect(t, idx, nil)
	assert.Len(t, ids, 6)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrSegmentCorrupt)

	var se *SegmentError
	require.ErrorAs(t, errs[0], &se)
	assert.Equal(t, model.SegmentID(2), se.ID)
	assert.Equal(t, int64(1), idx.Stats().CorruptSegments)
}

func TestIndex_SegmentLoadOOM(t *testing.T) {
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 64})
	idx := openIndex(t, blobstore.NewMemoryStore(), WithSegmentSize(3), WithResourceController(rc))
	insertDocs(t, idx, testutil.NewRNG(10), 2, 3, "")

	ids, errs := collect(t, idx, nil)
	assert.Empty(t, ids)
	require.Len(t, errs, 2)
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrSegmentLoadOOM)
	}
	assert.Equal(t, int64(2), idx.Stats().OOMSkips)
}

func TestIndex_MemoryAccounting(t *testing.T) {
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 1 << 20})
	idx := openIndex(t, blobstore.NewMemoryStore(), WithSegmentSize(3), WithMaxResidentSegments(1), WithResourceController(rc))
	insertDocs(t, idx, testutil.NewRNG(11), 3, 3, "")

	collect(t, idx, nil)
	assert.Equal(t, idx.Stats().ResidentBytes, rc.MemoryUsage())

	require.NoError(t, idx.Close(context.Background()))
	assert.Zero(t, rc.MemoryUsage())
}

func TestIndex_QueryCancelled(t *testing.T) {
	idx := openIndex(t, blobstore.NewMemoryStore(), WithSegmentSize(2))
	insertDocs(t, idx, testutil.NewRNG(12), 2, 2, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var errs []error
	for _, err := range idx.QuerySegments(ctx, nil) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], context.Canceled)
}

func TestIndex_RemovesOrphans(t *testing.T) {
	store := blobstore.NewMemoryStore()
	ctx := context.Background()
	orphan := Prefix(testVersion) + segmentFileName(99)
	require.NoError(t, store.Put(ctx, orphan, []byte("partial")))

	openIndex(t, store)

	_, err := store.Open(ctx, orphan)
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestVersions(t *testing.T) {
	store := blobstore.NewMemoryStore()
	ctx := context.Background()

	assert.Equal(t, "v-all-MiniLM_L6_v2/", Prefix("all-MiniLM/L6 v2"))

	for _, v := range []string{"a", "b", "c"} {
		idx, err := Open(ctx, store, v, WithSegmentSize(1))
		require.NoError(t, err)
		require.NoError(t, idx.Insert(ctx, testutil.NewRNG(1).Records("d", 1, 2, v, "")[0]))
		require.NoError(t, idx.Close(ctx))
	}

	versions, err := ListVersions(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, []string{"v-a/", "v-b/", "v-c/"}, versions)

	pruned, err := PruneVersions(ctx, store, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"v-a/", "v-c/"}, pruned)

	versions, err = ListVersions(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, []string{"v-b/"}, versions)
}
