package pocketrag

import (
	"context"
	"log/slog"
	"os"
)

// Logger is the structured logger used by an Engine. The embedded
// *slog.Logger is handed to the embedding, index and search layers, so all
// records share one handler.
type Logger struct {
	*slog.Logger
}

// NewLogger wraps handler. A nil handler logs text at info level to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, nil)
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger logs JSON lines at level and above to stderr.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger logs key=value lines at level and above to stderr.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger discards everything.
func NoopLogger() *Logger {
	return NewLogger(slog.DiscardHandler)
}

// With returns a Logger that adds args to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// outcome logs "<op> failed" at error level when err is set, and
// "<op> completed" at lvl otherwise.
func (l *Logger) outcome(ctx context.Context, lvl slog.Level, op string, err error, attrs ...any) {
	if err != nil {
		l.ErrorContext(ctx, op+" failed", append(attrs, "error", err)...)
		return
	}
	l.Log(ctx, lvl, op+" completed", attrs...)
}

// LogIngest logs the ingestion of one document.
func (l *Logger) LogIngest(ctx context.Context, rep IngestReport, err error) {
	if err == nil && rep.Skipped {
		l.DebugContext(ctx, "ingest skipped, content unchanged", "document", rep.DocumentID)
		return
	}
	attrs := []any{"document", rep.DocumentID}
	if err == nil {
		attrs = append(attrs, "chunks", rep.Chunks, "model_version", rep.ModelVersion, "replaced", rep.Replaced)
	}
	l.outcome(ctx, slog.LevelDebug, "ingest", err, attrs...)
}

// LogBatchIngest logs a batch ingestion. Batches with failed documents log
// at warn level.
func (l *Logger) LogBatchIngest(ctx context.Context, rep BatchReport) {
	lvl := slog.LevelInfo
	if len(rep.Failed) > 0 {
		lvl = slog.LevelWarn
	}
	l.Log(ctx, lvl, "batch ingest completed",
		"total", rep.Total,
		"ingested", rep.Ingested,
		"skipped", rep.Skipped,
		"failed", len(rep.Failed),
		"chunks", rep.Chunks,
	)
}

// LogRetrieve logs a retrieval.
func (l *Logger) LogRetrieve(ctx context.Context, k int, r Retrieval, err error) {
	if err == nil && r.Partial {
		l.WarnContext(ctx, "retrieve returned partial results",
			"k", k, "hits", len(r.Hits), "skipped_segments", len(r.SkippedSegments))
		return
	}
	l.outcome(ctx, slog.LevelDebug, "retrieve", err,
		"k", k, "hits", len(r.Hits), "version_mismatches", r.Diagnostics.VersionMismatches)
}

// LogDelete logs the removal of a document.
func (l *Logger) LogDelete(ctx context.Context, id string, removed int, err error) {
	l.outcome(ctx, slog.LevelDebug, "delete", err, "document", id, "records", removed)
}

// LogCompaction logs a compaction run.
func (l *Logger) LogCompaction(ctx context.Context, rep CompactionReport, err error) {
	l.outcome(ctx, slog.LevelInfo, "compaction", err,
		"rewritten", rep.Rewritten,
		"written", rep.Written,
		"removed_rows", rep.RemovedRows,
		"duration", rep.Duration,
	)
}

// LogModelSwitch logs an embedding model switch.
func (l *Logger) LogModelSwitch(ctx context.Context, rep SwitchReport, err error) {
	if err != nil {
		l.ErrorContext(ctx, "model switch failed", "from", rep.From, "to", rep.To, "error", err)
		return
	}
	l.InfoContext(ctx, "model switched",
		"from", rep.From,
		"to", rep.To,
		"pruned_versions", len(rep.PrunedVersions),
		"stale_documents", rep.StaleDocuments,
	)
}
