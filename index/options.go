package index

import (
	"io"
	"log/slog"

	"github.com/hupe1980/pocketrag/internal/resource"
	"github.com/hupe1980/pocketrag/internal/segment"
)

const (
	DefaultSegmentSize         = 256
	DefaultMaxResidentSegments = 8
	DefaultTombstoneThreshold  = 0.2
)

type options struct {
	segmentSize         int
	maxResidentSegments int
	maxResidentBytes    int64
	compression         segment.Compression
	rc                  *resource.Controller
	logger              *slog.Logger
	compaction          CompactOptions
}

// Option configures an Index.
type Option func(*options)

// WithSegmentSize sets the number of buffered records that triggers a flush.
func WithSegmentSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.segmentSize = n
		}
	}
}

// WithMaxResidentSegments bounds the number of decoded segments held in memory.
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

// WithCompression sets the body compression of new segments.
func WithCompression(c segment.Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithResourceController accounts resident segments and compaction I/O
// against a shared controller.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *options) {
		o.rc = rc
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

// WithCompactOptions sets the defaults used by the background compactor.
func WithCompactOptions(c CompactOptions) Option {
	return func(o *options) {
		o.compaction = c
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		segmentSize:         DefaultSegmentSize,
		maxResidentSegments: DefaultMaxResidentSegments,
		compression:         segment.CompressionLZ4,
		logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, fn := range optFns {
		fn(&o)
	}
	o.compaction = o.compaction.withDefaults(o.segmentSize)
	return o
}
