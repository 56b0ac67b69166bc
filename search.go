package pocketrag

import (
	"context"
	"iter"
	"slices"
	"time"

	"github.com/hupe1980/pocketrag/assemble"
	"github.com/hupe1980/pocketrag/model"
	"github.com/hupe1980/pocketrag/search"
)

// Retrieval is the outcome of Retrieve: the assembled grounding context and
// the hits it was built from.
type Retrieval struct {
	Context assemble.Context
	// Hits are the ranked chunks, best first, with their provenance.
	Hits []model.Hit
	// Partial is set when at least one segment could not be scanned.
	Partial         bool
	SkippedSegments []model.SegmentID
	Diagnostics     search.Diagnostics
	// ModelVersion of the query embedding; only records of this version
	// were considered.
	ModelVersion string
	// Degraded is set when the query was embedded by the fallback embedder.
	Degraded bool
}

type retrieveOptions struct {
	filter      model.Filter
	minScore    *float32
	tokenBudget int
	order       assemble.Order
}

// RetrieveOption refines a single Retrieve call.
type RetrieveOption func(*retrieveOptions)

// WithCategory restricts hits to one category.
func WithCategory(category string) RetrieveOption {
	return func(o *retrieveOptions) { o.filter.Category = category }
}

// WithDocuments restricts hits to the given source documents.
func WithDocuments(ids ...string) RetrieveOption {
	return func(o *retrieveOptions) {
		o.filter.SourceDocumentIDs = append(o.filter.SourceDocumentIDs, ids...)
	}
}

// WithMinScore excludes hits scoring below s.
func WithMinScore(s float32) RetrieveOption {
	return func(o *retrieveOptions) { o.minScore = &s }
}

// WithBudget overrides the token budget of the assembled context.
func WithBudget(tokens int) RetrieveOption {
	return func(o *retrieveOptions) {
		if tokens >= 0 {
			o.tokenBudget = tokens
		}
	}
}

// WithOrder overrides the chunk order of the assembled context.
func WithOrder(order assemble.Order) RetrieveOption {
	return func(o *retrieveOptions) { o.order = order }
}

// Retrieve embeds query, finds the k most similar chunks and assembles them
// into a context within the token budget.
//
// Example:
//
//	r, err := eng.Retrieve(ctx, "how do plants make sugar?", 5, pocketrag.WithCategory("biology"))
//	if err != nil {
//	    return err
//	}
//	prompt := r.Context.Text
func (e *Engine) Retrieve(ctx context.Context, query string, k int, opts ...RetrieveOption) (Retrieval, error) {
	ro := retrieveOptions{
		tokenBudget: e.opts.tokenBudget,
		order:       e.opts.order,
	}
	for _, fn := range opts {
		if fn != nil {
			fn(&ro)
		}
	}

	start := time.Now()
	r, err := e.retrieve(ctx, query, k, ro)
	err = translateError(err)
	e.metrics.RecordRetrieve(k, len(r.Hits), r.Partial, time.Since(start), err)
	e.logger.LogRetrieve(ctx, k, r, err)
	return r, err
}

func (e *Engine) retrieve(ctx context.Context, query string, k int, ro retrieveOptions) (Retrieval, error) {
	if e.closed.Load() {
		return Retrieval{}, ErrClosed
	}
	if k <= 0 {
		return Retrieval{}, ErrInvalidK
	}

	emb, err := e.provider.Embed(ctx, query)
	if err != nil {
		return Retrieval{}, err
	}
	out := Retrieval{ModelVersion: emb.ModelVersion, Degraded: emb.Fallback}

	idx, ok, err := e.existingIndex(ctx, emb.ModelVersion)
	if err != nil {
		return out, err
	}
	if !ok {
		// nothing was ingested in this embedding space
		return out, nil
	}

	q := search.Query{
		Vector:       emb.Vector,
		ModelVersion: emb.ModelVersion,
		K:            k,
		MinScore:     ro.minScore,
	}
	if !ro.filter.IsEmpty() {
		f := ro.filter
		q.Filter = &f
	}

	res, err := e.searcher.Search(ctx, idx, q)
	if err != nil {
		return out, err
	}
	out.Hits = res.Hits
	out.Partial = res.Partial
	out.SkippedSegments = res.SkippedSegments
	out.Diagnostics = res.Diagnostics

	asm := e.assembler
	if ro.order != e.opts.order {
		asm = assemble.New(
			assemble.WithOrder(ro.order),
			assemble.WithMaxOverlapRatio(e.opts.maxOverlapRatio),
			assemble.WithTokenCounter(e.opts.tokenCounter),
		)
	}
	out.Context = asm.Assemble(res.Hits, ro.tokenBudget)
	return out, nil
}

// Query creates a fluent retrieval builder for text.
//
// Example:
//
//	r, err := eng.Query("photosynthesis").
//	    KNN(8).
//	    Category("biology").
//	    TokenBudget(512).
//	    Execute(ctx)
//
//	// Or iterate hits:
//	for hit, err := range eng.Query("photosynthesis").KNN(20).Stream(ctx) {
//	    if err != nil { break }
//	    if hit.Score < 0.3 { break }
//	    cite(hit.SourceDocumentID, hit.StartOffset, hit.EndOffset)
//	}
func (e *Engine) Query(text string) *QueryBuilder {
	return &QueryBuilder{
		eng:  e,
		text: text,
		k:    DefaultK,
	}
}

// QueryBuilder is a fluent builder for retrievals.
type QueryBuilder struct {
	eng  *Engine
	text string
	k    int
	opts []RetrieveOption
}

// KNN sets the number of hits to retrieve.
func (qb *QueryBuilder) KNN(k int) *QueryBuilder {
	qb.k = k
	return qb
}

// Category restricts hits to one category.
func (qb *QueryBuilder) Category(category string) *QueryBuilder {
	qb.opts = append(qb.opts, WithCategory(category))
	return qb
}

// Documents restricts hits to the given source documents.
func (qb *QueryBuilder) Documents(ids ...string) *QueryBuilder {
	qb.opts = append(qb.opts, WithDocuments(ids...))
	return qb
}

// MinScore excludes hits scoring below s.
func (qb *QueryBuilder) MinScore(s float32) *QueryBuilder {
	qb.opts = append(qb.opts, WithMinScore(s))
	return qb
}

// TokenBudget sets the token budget of the assembled context.
func (qb *QueryBuilder) TokenBudget(tokens int) *QueryBuilder {
	qb.opts = append(qb.opts, WithBudget(tokens))
	return qb
}

// Order sets the chunk order of the assembled context.
func (qb *QueryBuilder) Order(order assemble.Order) *QueryBuilder {
	qb.opts = append(qb.opts, WithOrder(order))
	return qb
}

// Execute runs the retrieval.
func (qb *QueryBuilder) Execute(ctx context.Context) (Retrieval, error) {
	return qb.eng.Retrieve(ctx, qb.text, qb.k, slices.Clone(qb.opts)...)
}

// MustExecute runs the retrieval, panicking on error.
// Use this only in tests or when you're certain the query is valid.
func (qb *QueryBuilder) MustExecute(ctx context.Context) Retrieval {
	r, err := qb.Execute(ctx)
	if err != nil {
		panic(err)
	}
	return r
}

// Stream returns an iterator over the hits, best first. The iterator
// supports early termination by breaking from the loop.
func (qb *QueryBuilder) Stream(ctx context.Context) iter.Seq2[model.Hit, error] {
	return func(yield func(model.Hit, error) bool) {
		r, err := qb.Execute(ctx)
		if err != nil {
			yield(model.Hit{}, err)
			return
		}
		for _, h := range r.Hits {
			if !yield(h, nil) {
				return
			}
		}
	}
}

// First returns only the best hit, or ErrNotFound if there is none.
func (qb *QueryBuilder) First(ctx context.Context) (model.Hit, error) {
	qb.k = 1
	r, err := qb.Execute(ctx)
	if err != nil {
		return model.Hit{}, err
	}
	if len(r.Hits) == 0 {
		return model.Hit{}, ErrNotFound
	}
	return r.Hits[0], nil
}

// Exists reports whether at least one hit matches.
func (qb *QueryBuilder) Exists(ctx context.Context) (bool, error) {
	qb.k = 1
	r, err := qb.Execute(ctx)
	if err != nil {
		return false, err
	}
	return len(r.Hits) > 0, nil
}
