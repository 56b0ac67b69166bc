package pocketrag

import (
	"context"

	"github.com/hupe1980/pocketrag/index"
)

// Close flushes every open index, stops background compaction and releases
// resident segments, the document registry and an owned embedding model.
// It is safe to call more than once.
func (e *Engine) Close(ctx context.Context) error {
	if e == nil || !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.cancel()

	e.mu.Lock()
	indexes := e.indexes
	e.indexes = make(map[string]*index.Index)
	e.mu.Unlock()

	var firstErr error
	for _, idx := range indexes {
		if err := idx.Close(ctx); err != nil && firstErr == nil {
			firstErr = translateError(err)
		}
	}
	if e.ownsProvider {
		if err := e.provider.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.docs.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	e.logger.InfoContext(ctx, "engine closed")
	return firstErr
}
