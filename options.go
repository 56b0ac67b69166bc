package pocketrag

import (
	"log/slog"
	"time"

	"github.com/hupe1980/pocketrag/assemble"
	"github.com/hupe1980/pocketrag/distance"
	"github.com/hupe1980/pocketrag/embedding"
	"github.com/hupe1980/pocketrag/index"
	"github.com/hupe1980/pocketrag/internal/segment"
)

const (
	// DefaultChunkSize is the maximum chunk length in bytes.
	DefaultChunkSize = 1000
	// DefaultChunkOverlap is the number of bytes repeated between neighboring chunks.
	DefaultChunkOverlap = 100
	// DefaultTokenBudget bounds the assembled context.
	DefaultTokenBudget = 1024
	// DefaultK is the number of hits a Query retrieves unless KNN is called.
	DefaultK = 5
)

// Compression selects the body compression of persisted segments.
type Compression = segment.Compression

const (
	CompressionNone = segment.CompressionNone
	CompressionLZ4  = segment.CompressionLZ4
	CompressionZSTD = segment.CompressionZSTD
)

// ParseCompression parses "none", "lz4" or "zstd".
func ParseCompression(s string) (Compression, error) {
	return segment.ParseCompression(s)
}

type options struct {
	logger           *Logger
	metricsCollector MetricsCollector

	provider    *embedding.Provider
	variant     *embedding.Variant
	registry    *embedding.Registry
	fallbackDim int
	batchSize   int

	chunkSize    int
	chunkOverlap int

	segmentSize         int
	maxResidentSegments int
	maxResidentBytes    int64
	memoryLimit         int64
	ioLimit             int64
	compression         Compression

	compactionInterval time.Duration
	compact            index.CompactOptions

	metric          distance.Metric
	tokenBudget     int
	order           assemble.Order
	maxOverlapRatio float64
	tokenCounter    assemble.TokenCounter

	registryPath string
	retainStale  bool
}

// Option configures an Engine.
type Option func(*options)

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := pocketrag.NewJSONLogger(slog.LevelInfo)
//	eng, _ := pocketrag.Open(ctx, pocketrag.Memory(), pocketrag.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &pocketrag.BasicMetricsCollector{}
//	eng, _ := pocketrag.Open(ctx, pocketrag.Memory(), pocketrag.WithMetricsCollector(metrics))
//	// ... use eng ...
//	stats := metrics.GetStats()
//	fmt.Printf("Retrievals: %d, Avg latency: %dns\n", stats.RetrieveCount, stats.RetrieveAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithEmbeddingProvider uses p instead of a provider built from the other
// embedding options. The engine does not close a provider passed this way.
func WithEmbeddingProvider(p *embedding.Provider) Option {
	return func(o *options) {
		o.provider = p
	}
}

// WithModel loads v when the engine opens.
func WithModel(v embedding.Variant) Option {
	return func(o *options) {
		o.variant = &v
	}
}

// WithEmbeddingRegistry sets the registry used to resolve model backends.
func WithEmbeddingRegistry(r *embedding.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// WithFallback enables the hashing pseudo-embedding of dimension dim. It
// serves when no model is loaded or the loaded model is unavailable.
// A dim <= 0 selects embedding.DefaultHashDim.
func WithFallback(dim int) Option {
	return func(o *options) {
		if dim <= 0 {
			dim = embedding.DefaultHashDim
		}
		o.fallbackDim = dim
	}
}

// WithEmbedBatchSize sets how many chunks are embedded per model call.
// Cancellation is checked between batches.
func WithEmbedBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithChunking sets the maximum chunk size and the overlap between
// neighboring chunks, both in bytes.
func WithChunking(maxSize, overlap int) Option {
	return func(o *options) {
		o.chunkSize = maxSize
		o.chunkOverlap = overlap
	}
}

// WithSegmentSize sets the number of buffered records that triggers a flush
// to a new immutable segment.
func WithSegmentSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.segmentSize = n
		}
	}
}

// WithMaxResidentSegments bounds the number of decoded segments held in
// memory per index.
func WithMaxResidentSegments(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxResidentSegments = n
		}
	}
}

// WithMaxResidentBytes additionally bounds resident segments by estimated size.
func WithMaxResidentBytes(n int64) Option {
	return func(o *options) {
		o.maxResidentBytes = n
	}
}

// WithMemoryLimit sets a hard limit for memory held by resident segments
// across all indexes. Loads beyond it evict or fail with ErrSegmentLoadOOM.
func WithMemoryLimit(bytes int64) Option {
	return func(o *options) {
		o.memoryLimit = bytes
	}
}

// WithCompactionIOLimit rate-limits segment writes to bytesPerSec.
func WithCompactionIOLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.ioLimit = bytesPerSec
	}
}

// WithCompression sets the body compression of new segments.
func WithCompression(c Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithCompaction runs a background compactor every interval. Segments whose
// deleted ratio reaches threshold are rewritten. An interval <= 0 disables
// the compactor; Compact can still be called explicitly.
func WithCompaction(interval time.Duration, threshold float64) Option {
	return func(o *options) {
		o.compactionInterval = interval
		o.compact.TombstoneThreshold = threshold
	}
}

// WithMetric selects the similarity metric. Default distance.MetricCosine.
func WithMetric(m distance.Metric) Option {
	return func(o *options) {
		o.metric = m
	}
}

// WithTokenBudget sets the default token budget of assembled contexts.
func WithTokenBudget(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.tokenBudget = n
		}
	}
}

// WithContextOrder sets the default chunk order of assembled contexts.
func WithContextOrder(order assemble.Order) Option {
	return func(o *options) {
		o.order = order
	}
}

// WithMaxOverlapRatio sets the overlap above which a retrieved chunk is
// dropped from the context as a duplicate.
func WithMaxOverlapRatio(r float64) Option {
	return func(o *options) {
		o.maxOverlapRatio = r
	}
}

// WithTokenCounter sets how context budgets are measured.
func WithTokenCounter(c assemble.TokenCounter) Option {
	return func(o *options) {
		o.tokenCounter = c
	}
}

// WithRegistryPath places the document registry at path. Local backends
// default to docs.db in their directory; other backends keep the registry
// in memory unless a path is set.
func WithRegistryPath(path string) Option {
	return func(o *options) {
		o.registryPath = path
	}
}

// WithRetainStaleVersions keeps the indexes of previous model versions on
// SwitchModel instead of deleting them.
func WithRetainStaleVersions() Option {
	return func(o *options) {
		o.retainStale = true
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger:              NoopLogger(),
		metricsCollector:    NoopMetricsCollector{},
		batchSize:           embedding.DefaultBatchSize,
		chunkSize:           DefaultChunkSize,
		chunkOverlap:        DefaultChunkOverlap,
		segmentSize:         index.DefaultSegmentSize,
		maxResidentSegments: index.DefaultMaxResidentSegments,
		compression:         CompressionLZ4,
		metric:              distance.MetricCosine,
		tokenBudget:         DefaultTokenBudget,
		order:               assemble.OrderScore,
		maxOverlapRatio:     assemble.DefaultMaxOverlapRatio,
		tokenCounter:        assemble.DefaultTokenCounter,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
