// Package prometheus exports pocketrag operation metrics to Prometheus.
//
//	reg := prometheus.NewRegistry()
//	eng, _ := pocketrag.Open(ctx, pocketrag.Local("./data"),
//	    pocketrag.WithMetricsCollector(promrag.New(promrag.WithRegisterer(reg))),
//	)
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hupe1980/pocketrag"
)

const (
	statusOK      = "ok"
	statusError   = "error"
	statusSkipped = "skipped"
)

type options struct {
	namespace  string
	registerer prometheus.Registerer
}

// Option configures a Collector.
type Option func(*options)

// WithNamespace sets the metric namespace. Default "pocketrag".
func WithNamespace(ns string) Option {
	return func(o *options) { o.namespace = ns }
}

// WithRegisterer registers the metrics with r instead of the default registerer.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// Collector implements pocketrag.MetricsCollector.
type Collector struct {
	operations  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	chunks      prometheus.Counter
	batchFailed prometheus.Counter
	hits        prometheus.Histogram
	partial     prometheus.Counter
	deleted     prometheus.Counter
	compacted   prometheus.Counter
}

var _ pocketrag.MetricsCollector = (*Collector)(nil)

// New creates a Collector and registers its metrics.
func New(optFns ...Option) *Collector {
	o := options{
		namespace:  "pocketrag",
		registerer: prometheus.DefaultRegisterer,
	}
	for _, fn := range optFns {
		fn(&o)
	}
	f := promauto.With(o.registerer)

	return &Collector{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "operations_total",
			Help:      "Number of engine operations by operation and status.",
		}, []string{"operation", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: o.namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of engine operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		chunks: f.NewCounter(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "ingested_chunks_total",
			Help:      "Number of chunks embedded and indexed.",
		}),
		batchFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "batch_failed_documents_total",
			Help:      "Number of documents that failed within batch ingestions.",
		}),
		hits: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: o.namespace,
			Name:      "retrieve_hits",
			Help:      "Number of hits returned per retrieval.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
		}),
		partial: f.NewCounter(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "retrieve_partial_total",
			Help:      "Number of retrievals that skipped unreadable segments.",
		}),
		deleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "deleted_records_total",
			Help:      "Number of records removed by document deletion.",
		}),
		compacted: f.NewCounter(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "compacted_rows_total",
			Help:      "Number of deleted rows dropped by compaction.",
		}),
	}
}

func status(err error) string {
	if err != nil {
		return statusError
	}
	return statusOK
}

func (c *Collector) observe(op, st string, d time.Duration) {
	c.operations.WithLabelValues(op, st).Inc()
	c.duration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordIngest implements pocketrag.MetricsCollector.
func (c *Collector) RecordIngest(chunks int, skipped bool, d time.Duration, err error) {
	st := status(err)
	if err == nil && skipped {
		st = statusSkipped
	}
	c.observe("ingest", st, d)
	if st == statusOK {
		c.chunks.Add(float64(chunks))
	}
}

// RecordBatchIngest implements pocketrag.MetricsCollector.
func (c *Collector) RecordBatchIngest(_, failed int, d time.Duration) {
	st := statusOK
	if failed > 0 {
		st = statusError
	}
	c.observe("ingest_batch", st, d)
	c.batchFailed.Add(float64(failed))
}

// RecordRetrieve implements pocketrag.MetricsCollector.
func (c *Collector) RecordRetrieve(_, hits int, partial bool, d time.Duration, err error) {
	c.observe("retrieve", status(err), d)
	if err != nil {
		return
	}
	c.hits.Observe(float64(hits))
	if partial {
		c.partial.Inc()
	}
}

// RecordDelete implements pocketrag.MetricsCollector.
func (c *Collector) RecordDelete(removed int, d time.Duration, err error) {
	c.observe("delete", status(err), d)
	if err == nil {
		c.deleted.Add(float64(removed))
	}
}

// RecordCompaction implements pocketrag.MetricsCollector.
func (c *Collector) RecordCompaction(removedRows int, d time.Duration, err error) {
	c.observe("compact", status(err), d)
	if err == nil {
		c.compacted.Add(float64(removedRows))
	}
}
