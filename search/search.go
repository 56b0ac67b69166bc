package search

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"

	"github.com/hupe1980/pocketrag/distance"
	"github.com/hupe1980/pocketrag/internal/searcher"
	"github.com/hupe1980/pocketrag/internal/segment"
	"github.com/hupe1980/pocketrag/model"
)

var (
	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")
	// ErrEmptyQuery is returned for a query without a vector.
	ErrEmptyQuery = errors.New("empty query vector")
)

// Source yields the segments to scan. *index.Index implements it.
type Source interface {
	QuerySegments(ctx context.Context, filter *model.Filter) iter.Seq2[segment.View, error]
}

// Query describes one similarity search.
type Query struct {
	Vector []float32
	// ModelVersion of the query embedding. Records of other versions are
	// skipped. Empty disables the check.
	ModelVersion string
	K            int
	Filter       *model.Filter
	// MinScore, if set, excludes results scoring below it.
	MinScore *float32
}

// Diagnostics counts what a search skipped.
type Diagnostics struct {
	// VersionMismatches counts records skipped for another model version
	// or vector dimension.
	VersionMismatches int
	FilteredOut       int
	BelowMinScore     int
	Scanned           int
	SegmentsScanned   int
}

// Result is the ranked outcome of a search.
type Result struct {
	Hits []model.Hit
	// Partial is set when at least one segment could not be scanned.
	Partial         bool
	SkippedSegments []model.SegmentID
	Diagnostics     Diagnostics
}

type options struct {
	metric distance.Metric
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*options)

// WithMetric selects the similarity metric. Default MetricCosine.
func WithMetric(m distance.Metric) Option {
	return func(o *options) { o.metric = m }
}

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Engine executes searches. It is safe for concurrent use.
type Engine struct {
	metric distance.Metric
	score  distance.Scorer
	logger *slog.Logger
}

// New creates a search engine.
func New(optFns ...Option) (*Engine, error) {
	o := options{
		metric: distance.MetricCosine,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, fn := range optFns {
		fn(&o)
	}
	score, err := distance.ScorerFor(o.metric)
	if err != nil {
		return nil, err
	}
	return &Engine{metric: o.metric, score: score, logger: o.logger}, nil
}

// Metric returns the configured metric.
func (e *Engine) Metric() distance.Metric { return e.metric }

// Search returns at most q.K hits, best first.
func (e *Engine) Search(ctx context.Context, src Source, q Query) (Result, error) {
	if q.K <= 0 {
		return Result{}, ErrInvalidK
	}
	if len(q.Vector) == 0 {
		return Result{}, ErrEmptyQuery
	}

	vec := q.Vector
	if e.metric == distance.MetricCosine && !distance.IsNormalized(vec) {
		normalized, ok := distance.NormalizeL2Copy(vec)
		if !ok {
			return Result{}, ErrEmptyQuery
		}
		vec = normalized
	}

	var (
		res   Result
		diag  = &res.Diagnostics
		top   = searcher.NewTopK(q.K)
		dim   = len(vec)
		check = q.ModelVersion != ""
	)

	for view, err := range src.QuerySegments(ctx, q.Filter) {
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return Result{}, err
			}
			res.Partial = true
			var se interface{ SegmentID() model.SegmentID }
			if errors.As(err, &se) {
				res.SkippedSegments = append(res.SkippedSegments, se.SegmentID())
			}
			e.logger.Warn("segment skipped", "error", err)
			continue
		}

		seg := view.Segment
		diag.SegmentsScanned++
		if check && seg.ModelVersion() != q.ModelVersion && !view.Buffered {
			diag.VersionMismatches += view.LiveCount()
			continue
		}

		for _, rec := range view.All {
			if (check && rec.ModelVersion != q.ModelVersion) || len(rec.Vector) != dim {
				diag.VersionMismatches++
				continue
			}
			if !q.Filter.Matches(rec) {
				diag.FilteredOut++
				continue
			}
			diag.Scanned++

			s := e.score(vec, rec.Vector)
			if q.MinScore != nil && s < *q.MinScore {
				diag.BelowMinScore++
				continue
			}
			top.Push(searcher.Candidate{Score: s, Record: rec})
		}
	}

	candidates := top.Sorted()
	res.Hits = make([]model.Hit, len(candidates))
	for i, c := range candidates {
		res.Hits[i] = model.NewHit(c.Record, c.Score)
	}
	return res, nil
}
