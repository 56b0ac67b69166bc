package pocketrag

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogger_Helpers(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx := context.Background()

	l.LogIngest(ctx, IngestReport{DocumentID: "a", Chunks: 3, ModelVersion: "m"}, nil)
	assert.Contains(t, buf.String(), `"msg":"ingest completed"`)
	assert.Contains(t, buf.String(), `"chunks":3`)

	buf.Reset()
	l.LogIngest(ctx, IngestReport{DocumentID: "a"}, errors.New("boom"))
	assert.Contains(t, buf.String(), `"level":"ERROR"`)

	buf.Reset()
	l.LogRetrieve(ctx, 5, Retrieval{Partial: true}, nil)
	assert.Contains(t, buf.String(), "partial results")

	buf.Reset()
	l.With("document", "doc-1").With("model_version", "m").Info("x")
	assert.Contains(t, buf.String(), `"document":"doc-1"`)
	assert.Contains(t, buf.String(), `"model_version":"m"`)

	buf.Reset()
	l.LogBatchIngest(ctx, BatchReport{Total: 2, Ingested: 1, Failed: []*DocumentError{{DocumentID: "b"}}})
	assert.Contains(t, buf.String(), `"level":"WARN"`)
	assert.Contains(t, buf.String(), `"failed":1`)

	buf.Reset()
	l.LogModelSwitch(ctx, SwitchReport{From: "a", To: "b", PrunedVersions: []string{"v-a/"}}, nil)
	assert.Contains(t, buf.String(), `"pruned_versions":1`)
}

func TestLogger_EngineLogsDegradationOnce(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	eng := openEngine(t, Memory(), WithFallback(16), WithLogger(l))
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := eng.Ingest(ctx, id, "text "+id, "")
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("embedding degraded to fallback")))
}
