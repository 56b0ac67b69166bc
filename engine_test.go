package pocketrag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/pocketrag/embedding"
	"github.com/hupe1980/pocketrag/index"
	"github.com/hupe1980/pocketrag/internal/testutil"
)

const tableBackend = "table"

var errPoison = errors.New("poisoned text")

// tableModel returns fixed vectors for known texts and hash vectors
// otherwise.
type tableModel struct {
	dim     int
	version string
	vectors map[string][]float32
	hash    *embedding.HashModel

	down    *atomic.Bool
	onEmbed func(text string)
}

func (m *tableModel) Embed(_ context.Context, text string) ([]float32, error) {
	if m.onEmbed != nil {
		m.onEmbed(text)
	}
	if m.down != nil && m.down.Load() {
		return nil, fmt.Errorf("%w: endpoint down", embedding.ErrModelUnavailable)
	}
	if strings.Contains(text, "poison") {
		return nil, errPoison
	}
	if v, ok := m.vectors[text]; ok {
		return v, nil
	}
	return m.hash.Vector(text), nil
}

func (m *tableModel) Dim() int        { return m.dim }
func (m *tableModel) Version() string { return m.version }
func (m *tableModel) Close() error    { return nil }

func tableRegistry(m *tableModel) *embedding.Registry {
	if m.hash == nil {
		m.hash = embedding.NewHashModel(m.dim)
	}
	if m.version == "" {
		m.version = fmt.Sprintf("table-v1-d%d", m.dim)
	}
	reg := embedding.NewRegistry()
	reg.Register(tableBackend, embedding.LoaderFunc(func(context.Context, embedding.Variant) (embedding.Model, error) {
		return m, nil
	}))
	return reg
}

func openTable(t *testing.T, m *tableModel, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithEmbeddingRegistry(tableRegistry(m)),
		WithModel(embedding.Variant{Backend: tableBackend}),
	}
	return openEngine(t, Memory(), append(base, opts...)...)
}

func openHash(t *testing.T, dim int, opts ...Option) *Engine {
	t.Helper()
	base := []Option{WithModel(embedding.Variant{Backend: embedding.HashBackend, Dim: dim})}
	return openEngine(t, Memory(), append(base, opts...)...)
}

func openEngine(t *testing.T, backend Backend, opts ...Option) *Engine {
	t.Helper()
	eng, err := Open(context.Background(), backend, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close(context.Background()) })
	return eng
}

var topics = map[string][]string{
	"biology":   {"cell", "membrane", "protein", "enzyme", "chlorophyll", "mitosis", "organism", "gene", "tissue", "photosynthesis"},
	"history":   {"empire", "treaty", "dynasty", "revolution", "parliament", "monarch", "colony", "war", "senate", "republic"},
	"chemistry": {"molecule", "atom", "bond", "acid", "base", "catalyst", "reaction", "ion", "oxidation", "solvent"},
}

// essay produces sentences of topic vocabulary.
func essay(rng *testutil.RNG, topic string, sentences int) string {
	words := topics[topic]
	var b strings.Builder
	for s := 0; s < sentences; s++ {
		n := 6 + rng.Intn(6)
		for i := 0; i < n; i++ {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(words[rng.Intn(len(words))])
		}
		b.WriteString(". ")
	}
	return strings.TrimSpace(b.String())
}

func TestEngine_TwoDimensionalScenario(t *testing.T) {
	m := &tableModel{dim: 2, vectors: map[string][]float32{
		"chunk A": {1, 0},
		"chunk B": {0, 1},
		"chunk C": {0.70710677, 0.70710677},
		"query":   {1, 0},
	}}
	eng := openTable(t, m)
	ctx := context.Background()

	for _, id := range []string{"A", "B", "C"} {
		_, err := eng.Ingest(ctx, id, "chunk "+id, "")
		require.NoError(t, err)
	}

	r, err := eng.Retrieve(ctx, "query", 3)
	require.NoError(t, err)
	require.Len(t, r.Hits, 3)
	assert.Equal(t, "A#0", r.Hits[0].ID)
	assert.Equal(t, "C#0", r.Hits[1].ID)
	assert.Equal(t, "B#0", r.Hits[2].ID)
	assert.InDelta(t, 1.0, r.Hits[0].Score, 1e-5)
	assert.InDelta(t, 0.7071, r.Hits[1].Score, 1e-4)
	assert.InDelta(t, 0.0, r.Hits[2].Score, 1e-5)

	assert.Equal(t, "chunk A\n\nchunk C\n\nchunk B", r.Context.Text)
	assert.Equal(t, []string{"A#0", "C#0", "B#0"}, r.Context.UsedRecordIDs)
	assert.False(t, r.Context.Truncated)
	assert.False(t, r.Partial)
	assert.Equal(t, m.version, r.ModelVersion)
}

func TestEngine_SelfRetrieval(t *testing.T) {
	eng := openHash(t, 256, WithChunking(200, 20), WithSegmentSize(16), WithMaxResidentSegments(2))
	ctx := context.Background()
	rng := testutil.NewRNG(7)

	texts := map[string]string{}
	for i, topic := range []string{"biology", "history", "chemistry"} {
		id := fmt.Sprintf("doc-%d", i)
		texts[id] = essay(rng, topic, 12)
		_, err := eng.Ingest(ctx, id, texts[id], topic)
		require.NoError(t, err)
	}
	require.NoError(t, eng.Flush(ctx))

	for id, text := range texts {
		for c := range eng.chunker.Chunks(text) {
			hit, err := eng.Query(c.Text).First(ctx)
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("%s#%d", id, c.Index), hit.ID)
			assert.InDelta(t, 1.0, hit.Score, 1e-4)
			assert.Equal(t, c.StartOffset, hit.StartOffset)
			assert.Equal(t, c.EndOffset, hit.EndOffset)
			assert.Equal(t, text[hit.StartOffset:hit.EndOffset], hit.Text)
		}
	}

	st, err := eng.Stats(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, st.Index.PeakResident, 2)
}

func TestEngine_CategoryFilter(t *testing.T) {
	eng := openHash(t, 128)
	ctx := context.Background()
	rng := testutil.NewRNG(3)

	for _, topic := range []string{"biology", "history"} {
		for i := 0; i < 3; i++ {
			_, err := eng.Ingest(ctx, fmt.Sprintf("%s-%d", topic, i), essay(rng, topic, 3), topic)
			require.NoError(t, err)
		}
	}

	r, err := eng.Retrieve(ctx, "cell membrane protein", 10, WithCategory("history"))
	require.NoError(t, err)
	require.Len(t, r.Hits, 3)
	for _, h := range r.Hits {
		assert.Equal(t, "history", h.Category)
	}
	assert.Positive(t, r.Diagnostics.FilteredOut)

	r, err = eng.Retrieve(ctx, "cell membrane protein", 10, WithDocuments("biology-1"))
	require.NoError(t, err)
	require.Len(t, r.Hits, 1)
	assert.Equal(t, "biology-1", r.Hits[0].SourceDocumentID)
}

func TestEngine_RetrieveErrors(t *testing.T) {
	eng := openHash(t, 32)
	ctx := context.Background()

	_, err := eng.Retrieve(ctx, "x", 0)
	assert.ErrorIs(t, err, ErrInvalidK)

	r, err := eng.Retrieve(ctx, "nothing ingested yet", 3)
	require.NoError(t, err)
	assert.Empty(t, r.Hits)
	assert.True(t, r.Context.IsEmpty())

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = eng.Retrieve(cctx, "x", 3)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_NoModel(t *testing.T) {
	eng := openEngine(t, Memory())
	ctx := context.Background()

	_, err := eng.Ingest(ctx, "a", "text", "")
	assert.ErrorIs(t, err, ErrModelNotLoaded)
	_, err = eng.Retrieve(ctx, "text", 1)
	assert.ErrorIs(t, err, ErrModelNotLoaded)
	assert.Empty(t, eng.ModelVersion())
}

func TestEngine_FallbackOnly(t *testing.T) {
	eng := openEngine(t, Memory(), WithFallback(64))
	ctx := context.Background()

	rep, err := eng.Ingest(ctx, "a", "offline text about cells", "")
	require.NoError(t, err)
	assert.True(t, rep.Degraded)
	assert.Equal(t, embedding.HashModelVersion(64), rep.ModelVersion)

	r, err := eng.Retrieve(ctx, "cells", 1)
	require.NoError(t, err)
	assert.True(t, r.Degraded)
	require.Len(t, r.Hits, 1)
	assert.Equal(t, "a#0", r.Hits[0].ID)
}

func TestEngine_DegradedModeKeepsSpacesApart(t *testing.T) {
	down := &atomic.Bool{}
	m := &tableModel{dim: 16, down: down}
	eng := openTable(t, m, WithFallback(16))
	ctx := context.Background()

	rep, err := eng.Ingest(ctx, "online", "cells divide by mitosis", "")
	require.NoError(t, err)
	assert.False(t, rep.Degraded)
	assert.Equal(t, m.version, rep.ModelVersion)

	down.Store(true)

	r, err := eng.Retrieve(ctx, "cells divide by mitosis", 5)
	require.NoError(t, err)
	assert.True(t, r.Degraded)
	assert.Equal(t, embedding.HashModelVersion(16), r.ModelVersion)
	assert.Empty(t, r.Hits)

	rep, err = eng.Ingest(ctx, "offline", "cells divide by mitosis", "")
	require.NoError(t, err)
	assert.True(t, rep.Degraded)

	r, err = eng.Retrieve(ctx, "cells divide by mitosis", 5)
	require.NoError(t, err)
	require.Len(t, r.Hits, 1)
	assert.Equal(t, "offline", r.Hits[0].SourceDocumentID)

	down.Store(false)
	r, err = eng.Retrieve(ctx, "cells divide by mitosis", 5)
	require.NoError(t, err)
	require.Len(t, r.Hits, 1)
	assert.Equal(t, "online", r.Hits[0].SourceDocumentID)

	st, err := eng.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, st.Embedding.Degraded)
	assert.Len(t, st.Versions, 2)
}

func TestEngine_Delete(t *testing.T) {
	eng := openHash(t, 64, WithChunking(100, 10))
	ctx := context.Background()
	rng := testutil.NewRNG(11)

	rep, err := eng.Ingest(ctx, "a", essay(rng, "biology", 10), "biology")
	require.NoError(t, err)
	require.Greater(t, rep.Chunks, 1)
	_, err = eng.Ingest(ctx, "b", essay(rng, "biology", 2), "biology")
	require.NoError(t, err)

	n, err := eng.Delete(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, rep.Chunks, n)

	r, err := eng.Retrieve(ctx, "cell protein", 50)
	require.NoError(t, err)
	for _, h := range r.Hits {
		assert.Equal(t, "b", h.SourceDocumentID)
	}

	_, err = eng.Delete(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = eng.Delete(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyDocumentID)

	docs, err := eng.Documents(ctx, "")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "b", docs[0].ID)
}

func TestEngine_MemoryBound(t *testing.T) {
	eng := openHash(t, 64,
		WithChunking(80, 8),
		WithSegmentSize(4),
		WithMaxResidentSegments(2),
	)
	ctx := context.Background()
	rng := testutil.NewRNG(5)

	for i := 0; i < 12; i++ {
		_, err := eng.Ingest(ctx, fmt.Sprintf("doc-%02d", i), essay(rng, "chemistry", 4), "chemistry")
		require.NoError(t, err)
	}
	require.NoError(t, eng.Flush(ctx))

	for i := 0; i < 5; i++ {
		r, err := eng.Retrieve(ctx, "acid base reaction", 5)
		require.NoError(t, err)
		assert.Len(t, r.Hits, 5)
		assert.False(t, r.Partial)
	}

	st, err := eng.Stats(ctx)
	require.NoError(t, err)
	assert.Greater(t, st.Index.Segments, 2)
	assert.Positive(t, st.Index.MaxSegmentRows)
	assert.LessOrEqual(t, st.Index.MaxSegmentRows, 4)
	assert.LessOrEqual(t, st.Index.Resident, 2)
	assert.LessOrEqual(t, st.Index.PeakResident, 2)
	assert.Positive(t, st.Index.Evictions)
}

func TestEngine_Compact(t *testing.T) {
	eng := openHash(t, 32, WithSegmentSize(2))
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		_, err := eng.Ingest(ctx, id, "short note "+id, "")
		require.NoError(t, err)
	}
	_, err := eng.Delete(ctx, "a")
	require.NoError(t, err)

	rep, err := eng.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.RemovedRows)
	assert.GreaterOrEqual(t, rep.Rewritten, 1)

	st, err := eng.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), st.Index.Records)
	assert.Zero(t, st.Index.Tombstones)
}

func TestEngine_SwitchModel(t *testing.T) {
	eng := openHash(t, 64)
	ctx := context.Background()

	_, err := eng.Ingest(ctx, "a", "cells divide by mitosis", "biology")
	require.NoError(t, err)
	require.NoError(t, eng.Flush(ctx))
	from := eng.ModelVersion()

	rep, err := eng.SwitchModel(ctx, embedding.Variant{Backend: embedding.HashBackend, Dim: 32})
	require.NoError(t, err)
	assert.Equal(t, from, rep.From)
	assert.Equal(t, embedding.HashModelVersion(32), rep.To)
	assert.Equal(t, []string{index.Prefix(from)}, rep.PrunedVersions)
	assert.Equal(t, 1, rep.StaleDocuments)

	versions, err := index.ListVersions(ctx, eng.store)
	require.NoError(t, err)
	assert.NotContains(t, versions, index.Prefix(from))

	r, err := eng.Retrieve(ctx, "cells divide by mitosis", 3)
	require.NoError(t, err)
	assert.Empty(t, r.Hits)

	ing, err := eng.Ingest(ctx, "a", "cells divide by mitosis", "biology")
	require.NoError(t, err)
	assert.False(t, ing.Skipped)
	assert.Equal(t, rep.To, ing.ModelVersion)

	r, err = eng.Retrieve(ctx, "cells divide by mitosis", 3)
	require.NoError(t, err)
	assert.Len(t, r.Hits, 1)
}

func TestEngine_SwitchModelRetainsStale(t *testing.T) {
	eng := openHash(t, 64, WithRetainStaleVersions())
	ctx := context.Background()

	_, err := eng.Ingest(ctx, "a", "cells divide by mitosis", "biology")
	require.NoError(t, err)

	rep, err := eng.SwitchModel(ctx, embedding.Variant{Backend: embedding.HashBackend, Dim: 32})
	require.NoError(t, err)
	assert.Empty(t, rep.PrunedVersions)
	assert.Equal(t, 1, rep.StaleDocuments)

	docs, err := eng.Documents(ctx, "")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, embedding.HashModelVersion(64), docs[0].ModelVersion)

	// stale records are replaced by ingesting again
	ing, err := eng.Ingest(ctx, "a", "cells divide by mitosis", "biology")
	require.NoError(t, err)
	assert.True(t, ing.Replaced)
}

func TestEngine_SwitchModelUnknownBackend(t *testing.T) {
	eng := openHash(t, 64)
	_, err := eng.SwitchModel(context.Background(), embedding.Variant{Backend: "nope"})
	assert.ErrorIs(t, err, embedding.ErrUnknownBackend)
}

func TestEngine_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	opts := []Option{WithModel(embedding.Variant{Backend: embedding.HashBackend, Dim: 64})}

	eng, err := Open(ctx, Local(dir), opts...)
	require.NoError(t, err)
	_, err = eng.Ingest(ctx, "a", "cells divide by mitosis", "biology")
	require.NoError(t, err)
	require.NoError(t, eng.Close(ctx))

	eng, err = Open(ctx, Local(dir), opts...)
	require.NoError(t, err)
	defer eng.Close(ctx)

	rep, err := eng.Ingest(ctx, "a", "cells divide by mitosis", "biology")
	require.NoError(t, err)
	assert.True(t, rep.Skipped)

	r, err := eng.Retrieve(ctx, "mitosis", 3)
	require.NoError(t, err)
	require.Len(t, r.Hits, 1)
	assert.Equal(t, "a#0", r.Hits[0].ID)
}

func TestEngine_Close(t *testing.T) {
	eng, err := Open(context.Background(), Memory(), WithFallback(16))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, eng.Close(ctx))
	require.NoError(t, eng.Close(ctx))

	_, err = eng.Ingest(ctx, "a", "x", "")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = eng.Retrieve(ctx, "x", 1)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = eng.Delete(ctx, "a")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = eng.Stats(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, eng.Flush(ctx), ErrClosed)
}

func TestEngine_OpenErrors(t *testing.T) {
	ctx := context.Background()

	_, err := Open(ctx, nil)
	assert.Error(t, err)
	_, err = Open(ctx, Local(""))
	assert.Error(t, err)
	_, err = Open(ctx, Memory(), WithChunking(10, 10))
	assert.Error(t, err)
	_, err = Open(ctx, Memory(), WithModel(embedding.Variant{Backend: "nope"}))
	assert.ErrorIs(t, err, embedding.ErrUnknownBackend)
}

func TestEngine_ExternalProviderIsNotClosed(t *testing.T) {
	ctx := context.Background()
	p := embedding.NewProvider()
	require.NoError(t, p.Load(ctx, embedding.Variant{Backend: embedding.HashBackend, Dim: 8}))

	eng, err := Open(ctx, Memory(), WithEmbeddingProvider(p))
	require.NoError(t, err)
	require.NoError(t, eng.Close(ctx))

	_, loaded := p.Variant()
	assert.True(t, loaded)
}

func TestEngine_ConcurrentIngestAndRetrieve(t *testing.T) {
	eng := openHash(t, 64, WithSegmentSize(8), WithMaxResidentSegments(2))
	ctx := context.Background()

	texts := map[string]string{}
	rng := testutil.NewRNG(13)
	for i := 0; i < 16; i++ {
		texts[fmt.Sprintf("doc-%02d", i)] = essay(rng, "history", 3)
	}

	g, gctx := errgroup.WithContext(ctx)
	for id, text := range texts {
		g.Go(func() error {
			_, err := eng.Ingest(gctx, id, text, "history")
			return err
		})
		g.Go(func() error {
			_, err := eng.Retrieve(gctx, "empire treaty", 3)
			return err
		})
	}
	require.NoError(t, g.Wait())

	docs, err := eng.Documents(ctx, "history")
	require.NoError(t, err)
	assert.Len(t, docs, len(texts))
}

func TestEngine_Metrics(t *testing.T) {
	metrics := &BasicMetricsCollector{}
	eng := openHash(t, 32, WithMetricsCollector(metrics))
	ctx := context.Background()

	_, err := eng.Ingest(ctx, "a", "alpha beta", "")
	require.NoError(t, err)
	_, err = eng.Ingest(ctx, "a", "alpha beta", "")
	require.NoError(t, err)
	_, err = eng.Retrieve(ctx, "alpha", 2)
	require.NoError(t, err)
	_, err = eng.Delete(ctx, "a")
	require.NoError(t, err)
	_, _ = eng.Retrieve(ctx, "alpha", 0)

	st := metrics.GetStats()
	assert.Equal(t, int64(2), st.IngestCount)
	assert.Equal(t, int64(1), st.IngestSkipped)
	assert.Equal(t, int64(1), st.IngestChunks)
	assert.Equal(t, int64(2), st.RetrieveCount)
	assert.Equal(t, int64(1), st.RetrieveErrors)
	assert.Equal(t, int64(1), st.DeletedRecords)
}
