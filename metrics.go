package pocketrag

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems; the
// metrics/prometheus package provides a Prometheus implementation.
type MetricsCollector interface {
	// RecordIngest is called after each document ingestion.
	// chunks is the number of chunks embedded, skipped is set for unchanged
	// documents, err is nil if successful.
	RecordIngest(chunks int, skipped bool, duration time.Duration, err error)

	// RecordBatchIngest is called after each batch ingestion.
	// count is the number of documents attempted, failed is the number that failed.
	RecordBatchIngest(count, failed int, duration time.Duration)

	// RecordRetrieve is called after each retrieval.
	// k is the number of hits requested, hits the number returned.
	RecordRetrieve(k, hits int, partial bool, duration time.Duration, err error)

	// RecordDelete is called after each document deletion.
	RecordDelete(removed int, duration time.Duration, err error)

	// RecordCompaction is called after each explicit compaction.
	RecordCompaction(removedRows int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordIngest(int, bool, time.Duration, error)        {}
func (NoopMetricsCollector) RecordBatchIngest(int, int, time.Duration)           {}
func (NoopMetricsCollector) RecordRetrieve(int, int, bool, time.Duration, error) {}
func (NoopMetricsCollector) RecordDelete(int, time.Duration, error)              {}
func (NoopMetricsCollector) RecordCompaction(int, time.Duration, error)          {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	IngestCount           atomic.Int64
	IngestErrors          atomic.Int64
	IngestSkipped         atomic.Int64
	IngestChunks          atomic.Int64
	IngestTotalNanos      atomic.Int64
	BatchIngestCount      atomic.Int64
	BatchIngestItems      atomic.Int64
	BatchIngestFailed     atomic.Int64
	RetrieveCount         atomic.Int64
	RetrieveErrors        atomic.Int64
	RetrievePartial       atomic.Int64
	RetrieveTotalNanos    atomic.Int64
	DeleteCount           atomic.Int64
	DeleteErrors          atomic.Int64
	DeletedRecords        atomic.Int64
	CompactionCount       atomic.Int64
	CompactionErrors      atomic.Int64
	CompactionRemovedRows atomic.Int64
}

// RecordIngest implements MetricsCollector.
func (b *BasicMetricsCollector) RecordIngest(chunks int, skipped bool, duration time.Duration, err error) {
	b.IngestCount.Add(1)
	b.IngestTotalNanos.Add(duration.Nanoseconds())
	switch {
	case err != nil:
		b.IngestErrors.Add(1)
	case skipped:
		b.IngestSkipped.Add(1)
	default:
		b.IngestChunks.Add(int64(chunks))
	}
}

// RecordBatchIngest implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBatchIngest(count, failed int, _ time.Duration) {
	b.BatchIngestCount.Add(1)
	b.BatchIngestItems.Add(int64(count))
	b.BatchIngestFailed.Add(int64(failed))
}

// RecordRetrieve implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRetrieve(_, _ int, partial bool, duration time.Duration, err error) {
	b.RetrieveCount.Add(1)
	b.RetrieveTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.RetrieveErrors.Add(1)
	}
	if partial {
		b.RetrievePartial.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(removed int, _ time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
		return
	}
	b.DeletedRecords.Add(int64(removed))
}

// RecordCompaction implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCompaction(removedRows int, _ time.Duration, err error) {
	b.CompactionCount.Add(1)
	if err != nil {
		b.CompactionErrors.Add(1)
		return
	}
	b.CompactionRemovedRows.Add(int64(removedRows))
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		IngestCount:           b.IngestCount.Load(),
		IngestErrors:          b.IngestErrors.Load(),
		IngestSkipped:         b.IngestSkipped.Load(),
		IngestChunks:          b.IngestChunks.Load(),
		IngestAvgNanos:        avg(b.IngestTotalNanos.Load(), b.IngestCount.Load()),
		BatchIngestCount:      b.BatchIngestCount.Load(),
		BatchIngestItems:      b.BatchIngestItems.Load(),
		BatchIngestFailed:     b.BatchIngestFailed.Load(),
		RetrieveCount:         b.RetrieveCount.Load(),
		RetrieveErrors:        b.RetrieveErrors.Load(),
		RetrievePartial:       b.RetrievePartial.Load(),
		RetrieveAvgNanos:      avg(b.RetrieveTotalNanos.Load(), b.RetrieveCount.Load()),
		DeleteCount:           b.DeleteCount.Load(),
		DeleteErrors:          b.DeleteErrors.Load(),
		DeletedRecords:        b.DeletedRecords.Load(),
		CompactionCount:       b.CompactionCount.Load(),
		CompactionErrors:      b.CompactionErrors.Load(),
		CompactionRemovedRows: b.CompactionRemovedRows.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	IngestCount           int64
	IngestErrors          int64
	IngestSkipped         int64
	IngestChunks          int64
	IngestAvgNanos        int64
	BatchIngestCount      int64
	BatchIngestItems      int64
	BatchIngestFailed     int64
	RetrieveCount         int64
	RetrieveErrors        int64
	RetrievePartial       int64
	RetrieveAvgNanos      int64
	DeleteCount           int64
	DeleteErrors          int64
	DeletedRecords        int64
	CompactionCount       int64
	CompactionErrors      int64
	CompactionRemovedRows int64
}
