package embedding

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/pocketrag/distance"
)

type stubModel struct {
	name    string
	dim     int
	vec     []float32
	err     error
	journal *[]string
	onEmbed func()

	mu         sync.Mutex
	calls      int
	batchCalls int
	closed     int
}

func (m *stubModel) Embed(_ context.Context, _ string) ([]float32, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.onEmbed != nil {
		m.onEmbed()
	}
	if m.err != nil {
		return nil, m.err
	}
	if m.vec != nil {
		return append([]float32(nil), m.vec...), nil
	}
	v := make([]float32, m.dim)
	v[0] = 2
	return v, nil
}

func (m *stubModel) Dim() int        { return m.dim }
func (m *stubModel) Version() string { return m.name + "-v1" }
func (m *stubModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	if m.journal != nil {
		*m.journal = append(*m.journal, "close:"+m.name)
	}
	return nil
}

type stubBatchModel struct {
	*stubModel
}

func (m stubBatchModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.batchCalls++
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, m.dim)
		v[i%m.dim] = 1
		out[i] = v
	}
	return out, nil
}

func stubRegistry(models map[string]Model, journal *[]string) *Registry {
	r := NewRegistry()
	r.Register("stub", LoaderFunc(func(_ context.Context, v Variant) (Model, error) {
		m, ok := models[v.Model]
		if !ok {
			return nil, fmt.Errorf("no stub %q", v.Model)
		}
		if journal != nil {
			*journal = append(*journal, "load:"+v.Model)
		}
		return m, nil
	}))
	return r
}

func TestProvider_NotLoaded(t *testing.T) {
	p := NewProvider()
	_, err := p.Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrModelNotLoaded)
	assert.Equal(t, "", p.ModelVersion())

	_, err = p.EmbedBatch(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, ErrModelNotLoaded)
}

func TestProvider_FallbackIsDeterministic(t *testing.T) {
	p := NewProvider(WithFallback(FallbackPolicy{Dim: 64}))
	ctx := context.Background()

	a, err := p.Embed(ctx, "the quick brown fox")
	require.NoError(t, err)
	b, err := p.Embed(ctx, "the quick brown fox")
	require.NoError(t, err)

	assert.True(t, a.Fallback)
	assert.Equal(t, "fallback-hash-v1-d64", a.ModelVersion)
	assert.Equal(t, p.ModelVersion(), a.ModelVersion)
	assert.Equal(t, bits(a.Vector), bits(b.Vector))
	assert.True(t, distance.IsNormalized(a.Vector))
	assert.Equal(t, int64(2), p.Stats().FallbackCalls)
}

func TestProvider_LoadHashBackend(t *testing.T) {
	p := NewProvider()
	ctx := context.Background()
	require.NoError(t, p.Load(ctx, Variant{Backend: HashBackend, Dim: 32}))

	emb, err := p.Embed(ctx, "mitochondria")
	require.NoError(t, err)
	assert.Len(t, emb.Vector, 32)
	assert.False(t, emb.Fallback)
	assert.Equal(t, HashModelVersion(32), emb.ModelVersion)

	v, ok := p.Variant()
	assert.True(t, ok)
	assert.Equal(t, HashBackend, v.Backend)

	s := p.Stats()
	assert.True(t, s.Loaded)
	assert.Equal(t, 32, s.Dim)
	assert.Equal(t, int64(1), s.EmbedCalls)
}

func TestProvider_LoadSameVariantIsNoop(t *testing.T) {
	var journal []string
	m := &stubModel{name: "a", dim: 4, journal: &journal}
	p := NewProvider(WithRegistry(stubRegistry(map[string]Model{"a": m}, &journal)))
	ctx := context.Background()

	v := Variant{Backend: "stub", Model: "a", Params: map[string]string{"k": "v"}}
	require.NoError(t, p.Load(ctx, v))
	require.NoError(t, p.Load(ctx, Variant{Backend: "stub", Model: "a", Params: map[string]string{"k": "v"}}))

	assert.Equal(t, []string{"load:a"}, journal)
	assert.Equal(t, int64(1), p.Stats().Loads)
}

func TestProvider_SwitchReleasesPreviousFirst(t *testing.T) {
	var journal []string
	a := &stubModel{name: "a", dim: 4, journal: &journal}
	b := &stubModel{name: "b", dim: 8, journal: &journal}
	p := NewProvider(WithRegistry(stubRegistry(map[string]Model{"a": a, "b": b}, &journal)))
	ctx := context.Background()

	require.NoError(t, p.Load(ctx, Variant{Backend: "stub", Model: "a"}))
	require.NoError(t, p.Load(ctx, Variant{Backend: "stub", Model: "b"}))

	assert.Equal(t, []string{"load:a", "close:a", "load:b"}, journal)
	assert.Equal(t, "b-v1", p.ModelVersion())
}

func TestProvider_LoadErrors(t *testing.T) {
	p := NewProvider()
	err := p.Load(context.Background(), Variant{Backend: "nope"})
	assert.ErrorIs(t, err, ErrUnknownBackend)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Load(ctx, Variant{Backend: HashBackend}), context.Canceled)

	_, ok := p.Variant()
	assert.False(t, ok)
}

func TestProvider_NormalizesModelOutput(t *testing.T) {
	m := &stubModel{name: "a", dim: 2, vec: []float32{3, 4}}
	p := NewProvider(WithRegistry(stubRegistry(map[string]Model{"a": m}, nil)))
	ctx := context.Background()
	require.NoError(t, p.Load(ctx, Variant{Backend: "stub", Model: "a"}))

	emb, err := p.Embed(ctx, "x")
	require.NoError(t, err)
	assert.InDelta(t, 0.6, emb.Vector[0], 1e-6)
	assert.InDelta(t, 0.8, emb.Vector[1], 1e-6)
	assert.Equal(t, "a-v1", emb.ModelVersion)
}

func TestProvider_InvalidModelOutput(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		vec  []float32
	}{
		{"zero norm", []float32{0, 0}},
		{"wrong dimension", []float32{1, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &stubModel{name: "a", dim: 2, vec: tt.vec}
			p := NewProvider(WithRegistry(stubRegistry(map[string]Model{"a": m}, nil)))
			require.NoError(t, p.Load(ctx, Variant{Backend: "stub", Model: "a"}))
			_, err := p.Embed(ctx, "x")
			assert.ErrorIs(t, err, ErrInvalidEmbedding)
		})
	}
}

func TestProvider_UnavailableDegradesAndLogsOnce(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	down := &stubModel{name: "down", dim: 4, err: fmt.Errorf("dial: %w", ErrModelUnavailable)}
	models := map[string]Model{"down": down, "down2": &stubModel{name: "down2", dim: 4, err: ErrModelUnavailable}}
	p := NewProvider(
		WithRegistry(stubRegistry(models, nil)),
		WithFallback(FallbackPolicy{Dim: 16}),
		WithLogger(logger),
	)
	ctx := context.Background()
	require.NoError(t, p.Load(ctx, Variant{Backend: "stub", Model: "down"}))

	for range 3 {
		emb, err := p.Embed(ctx, "text")
		require.NoError(t, err)
		assert.True(t, emb.Fallback)
		assert.Equal(t, HashModelVersion(16), emb.ModelVersion)
	}
	assert.Equal(t, 1, strings.Count(logs.String(), "embedding degraded"))
	assert.True(t, p.Stats().Degraded)

	// A successful load starts a new session.
	require.NoError(t, p.Load(ctx, Variant{Backend: "stub", Model: "down2"}))
	assert.False(t, p.Stats().Degraded)
	_, err := p.Embed(ctx, "text")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(logs.String(), "embedding degraded"))
}

func TestProvider_UnavailableWithoutFallback(t *testing.T) {
	m := &stubModel{name: "a", dim: 4, err: ErrModelUnavailable}
	p := NewProvider(WithRegistry(stubRegistry(map[string]Model{"a": m}, nil)))
	ctx := context.Background()
	require.NoError(t, p.Load(ctx, Variant{Backend: "stub", Model: "a"}))

	_, err := p.Embed(ctx, "x")
	assert.ErrorIs(t, err, ErrModelUnavailable)
}

func TestProvider_EmbedBatchChecksCancellationBetweenItems(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := &stubModel{name: "a", dim: 4}
	m.onEmbed = func() {
		if m.calls == 2 {
			cancel()
		}
	}
	p := NewProvider(WithRegistry(stubRegistry(map[string]Model{"a": m}, nil)))
	require.NoError(t, p.Load(context.Background(), Variant{Backend: "stub", Model: "a"}))

	embs, err := p.EmbedBatch(ctx, []string{"a", "b", "c", "d"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, embs)
	assert.Equal(t, 2, m.calls)
}

func TestProvider_EmbedBatchUsesBatchModel(t *testing.T) {
	m := stubBatchModel{&stubModel{name: "a", dim: 4}}
	p := NewProvider(WithRegistry(stubRegistry(map[string]Model{"a": m}, nil)), WithBatchSize(2))
	ctx := context.Background()
	require.NoError(t, p.Load(ctx, Variant{Backend: "stub", Model: "a"}))

	embs, err := p.EmbedBatch(ctx, []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	require.Len(t, embs, 5)
	assert.Equal(t, 3, m.batchCalls)
	for _, e := range embs {
		assert.True(t, distance.IsNormalized(e.Vector))
		assert.Equal(t, "a-v1", e.ModelVersion)
	}
}

func TestProvider_EmbedBatchDegradesBatchModel(t *testing.T) {
	m := stubBatchModel{&stubModel{name: "a", dim: 4, err: ErrModelUnavailable}}
	p := NewProvider(WithRegistry(stubRegistry(map[string]Model{"a": m}, nil)), WithFallback(FallbackPolicy{Dim: 8}))
	ctx := context.Background()
	require.NoError(t, p.Load(ctx, Variant{Backend: "stub", Model: "a"}))

	embs, err := p.EmbedBatch(ctx, []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, embs, 2)
	assert.True(t, embs[0].Fallback)
	assert.Len(t, embs[1].Vector, 8)
}

func TestProvider_CloseIsIdempotent(t *testing.T) {
	m := &stubModel{name: "a", dim: 4}
	p := NewProvider(WithRegistry(stubRegistry(map[string]Model{"a": m}, nil)))
	ctx := context.Background()
	require.NoError(t, p.Load(ctx, Variant{Backend: "stub", Model: "a"}))

	assert.NoError(t, p.Close())
	assert.NoError(t, p.Close())
	assert.Equal(t, 1, m.closed)

	_, ok := p.Variant()
	assert.False(t, ok)
	_, err := p.Embed(ctx, "x")
	assert.ErrorIs(t, err, ErrModelNotLoaded)

	require.NoError(t, p.Load(ctx, Variant{Backend: "stub", Model: "a"}))
	_, err = p.Embed(ctx, "x")
	assert.NoError(t, err)
}

func TestProvider_ConcurrentLoadAndEmbed(t *testing.T) {
	p := NewProvider()
	ctx := context.Background()
	variants := []Variant{
		{Backend: HashBackend, Dim: 16},
		{Backend: HashBackend, Dim: 32},
	}
	require.NoError(t, p.Load(ctx, variants[0]))

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := range 4 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := range 20 {
				if err := p.Load(ctx, variants[(i+j)%2]); err != nil {
					errs <- err
				}
			}
		}()
		go func() {
			defer wg.Done()
			for range 50 {
				emb, err := p.Embed(ctx, "concurrent text")
				if err != nil {
					errs <- err
					continue
				}
				if emb.ModelVersion != HashModelVersion(len(emb.Vector)) {
					errs <- errors.New("vector does not match its model version")
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}
