package embedding

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/pocketrag/distance"
)

// DefaultBatchSize is the number of texts sent per call to a BatchModel.
const DefaultBatchSize = 32

// FallbackPolicy enables degraded-mode embeddings.
type FallbackPolicy struct {
	// Dim of the fallback vectors. Zero selects DefaultHashDim.
	Dim int
}

type options struct {
	registry  *Registry
	logger    *slog.Logger
	fallback  *FallbackPolicy
	batchSize int
}

// Option configures a Provider.
type Option func(*options)

// WithRegistry sets the loader registry. The default is NewRegistry().
func WithRegistry(r *Registry) Option {
	return func(o *options) {
		if r != nil {
			o.registry = r
		}
	}
}

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithFallback enables deterministic pseudo-embeddings when no model can serve.
func WithFallback(p FallbackPolicy) Option {
	return func(o *options) { o.fallback = &p }
}

// WithBatchSize sets how many texts go to a BatchModel per call.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// Stats is a point-in-time view of a Provider.
type Stats struct {
	Variant       string
	Loaded        bool
	ModelVersion  string
	Dim           int
	Degraded      bool
	Loads         int64
	EmbedCalls    int64
	FallbackCalls int64
}

// Provider owns the embedding model. Load, Embed, EmbedBatch and Close are
// mutually exclusive.
type Provider struct {
	mu        sync.Mutex
	registry  *Registry
	logger    *slog.Logger
	fallback  *HashModel
	batchSize int

	model    Model
	variant  Variant
	degraded bool // degraded mode already logged this session

	loads         atomic.Int64
	embedCalls    atomic.Int64
	fallbackCalls atomic.Int64
}

// NewProvider creates a Provider without a loaded model.
func NewProvider(optFns ...Option) *Provider {
	o := options{
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		batchSize: DefaultBatchSize,
	}
	for _, fn := range optFns {
		fn(&o)
	}
	if o.registry == nil {
		o.registry = NewRegistry()
	}

	p := &Provider{
		registry:  o.registry,
		logger:    o.logger,
		batchSize: o.batchSize,
	}
	if o.fallback != nil {
		p.fallback = NewHashModel(o.fallback.Dim)
	}
	return p
}

// Load makes v the active model. Loading the active variant again is a
// no-op. A different variant releases the current model before the new one
// is acquired; if acquisition fails the provider is left without a model.
func (p *Provider) Load(ctx context.Context, v Variant) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.model != nil && p.variant.Equal(v) {
		return nil
	}
	if err := p.releaseLocked(); err != nil {
		p.logger.Warn("closing embedding model", "variant", p.variant.String(), "error", err)
	}

	m, err := p.registry.Load(ctx, v)
	if err != nil {
		return fmt.Errorf("load embedding model %s: %w", v, err)
	}
	if m.Dim() <= 0 {
		_ = m.Close()
		return fmt.Errorf("load embedding model %s: %w: dimension %d", v, ErrInvalidEmbedding, m.Dim())
	}

	p.model = m
	p.variant = v
	p.degraded = false
	p.loads.Add(1)
	p.logger.Info("embedding model loaded", "variant", v.String(), "model_version", m.Version(), "dim", m.Dim())
	return nil
}

// Embed returns the normalized embedding of text.
func (p *Provider) Embed(ctx context.Context, text string) (Embedding, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Embedding{}, err
	}
	return p.embedLocked(ctx, text)
}

// EmbedBatch embeds texts in order. The context is checked between items;
// on cancellation no embeddings are returned. All embeddings of one batch
// share a model version unless the model becomes unavailable midway.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([]Embedding, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Embedding, 0, len(texts))

	if bm, ok := p.model.(BatchModel); ok {
		for start := 0; start < len(texts); start += p.batchSize {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			end := min(start+p.batchSize, len(texts))
			embs, err := p.embedChunkLocked(ctx, bm, texts[start:end])
			if err != nil {
				return nil, err
			}
			out = append(out, embs...)
		}
		return out, nil
	}

	for _, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		emb, err := p.embedLocked(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, emb)
	}
	return out, nil
}

func (p *Provider) embedChunkLocked(ctx context.Context, bm BatchModel, texts []string) ([]Embedding, error) {
	vecs, err := bm.EmbedBatch(ctx, texts)
	if err != nil {
		if errors.Is(err, ErrModelUnavailable) && p.fallback != nil {
			p.degradeLocked(err)
			out := make([]Embedding, len(texts))
			for i, text := range texts {
				out[i] = p.fallbackLocked(text)
			}
			return out, nil
		}
		return nil, fmt.Errorf("embed batch: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("%w: %d vectors for %d texts", ErrInvalidEmbedding, len(vecs), len(texts))
	}

	out := make([]Embedding, len(texts))
	for i, vec := range vecs {
		emb, err := p.finishLocked(vec)
		if err != nil {
			return nil, err
		}
		out[i] = emb
	}
	return out, nil
}

func (p *Provider) embedLocked(ctx context.Context, text string) (Embedding, error) {
	if p.model == nil {
		if p.fallback == nil {
			return Embedding{}, ErrModelNotLoaded
		}
		p.degradeLocked(ErrModelNotLoaded)
		return p.fallbackLocked(text), nil
	}

	vec, err := p.model.Embed(ctx, text)
	if err != nil {
		if errors.Is(err, ErrModelUnavailable) && p.fallback != nil {
			p.degradeLocked(err)
			return p.fallbackLocked(text), nil
		}
		return Embedding{}, fmt.Errorf("embed: %w", err)
	}
	return p.finishLocked(vec)
}

func (p *Provider) finishLocked(vec []float32) (Embedding, error) {
	if len(vec) != p.model.Dim() {
		return Embedding{}, fmt.Errorf("%w: dimension %d, model has %d", ErrInvalidEmbedding, len(vec), p.model.Dim())
	}
	normalized, ok := distance.NormalizeL2Copy(vec)
	if !ok {
		return Embedding{}, fmt.Errorf("%w: zero norm", ErrInvalidEmbedding)
	}
	p.embedCalls.Add(1)
	return Embedding{Vector: normalized, ModelVersion: p.model.Version()}, nil
}

func (p *Provider) fallbackLocked(text string) Embedding {
	p.fallbackCalls.Add(1)
	return Embedding{
		Vector:       p.fallback.Vector(text),
		ModelVersion: p.fallback.Version(),
		Fallback:     true,
	}
}

func (p *Provider) degradeLocked(cause error) {
	if p.degraded {
		return
	}
	p.degraded = true
	p.logger.Warn("embedding degraded to fallback",
		"variant", p.variant.String(),
		"fallback_version", p.fallback.Version(),
		"error", cause)
}

// ModelVersion returns the version tag embeddings currently carry: the
// loaded model's, the fallback's when no model is loaded, or "".
func (p *Provider) ModelVersion() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.model != nil:
		return p.model.Version()
	case p.fallback != nil:
		return p.fallback.Version()
	default:
		return ""
	}
}

// FallbackVersion returns the fallback version tag, or "" without a policy.
func (p *Provider) FallbackVersion() string {
	if p.fallback == nil {
		return ""
	}
	return p.fallback.Version()
}

// Variant returns the loaded variant.
func (p *Provider) Variant() (Variant, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.variant, p.model != nil
}

// Stats returns a snapshot of the provider state.
func (p *Provider) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Loaded:        p.model != nil,
		Degraded:      p.degraded,
		Loads:         p.loads.Load(),
		EmbedCalls:    p.embedCalls.Load(),
		FallbackCalls: p.fallbackCalls.Load(),
	}
	switch {
	case p.model != nil:
		s.Variant = p.variant.String()
		s.ModelVersion = p.model.Version()
		s.Dim = p.model.Dim()
	case p.fallback != nil:
		s.ModelVersion = p.fallback.Version()
		s.Dim = p.fallback.Dim()
	}
	return s
}

// Close releases the loaded model. It is safe to call more than once; the
// provider can be loaded again afterwards.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releaseLocked()
}

func (p *Provider) releaseLocked() error {
	if p.model == nil {
		return nil
	}
	err := p.model.Close()
	p.model = nil
	p.variant = Variant{}
	return err
}
