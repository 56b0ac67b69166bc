package pocketrag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"iter"
	"time"

	"github.com/hupe1980/pocketrag/chunker"
	"github.com/hupe1980/pocketrag/index"
	"github.com/hupe1980/pocketrag/internal/docstore"
	"github.com/hupe1980/pocketrag/model"
)

// errVersionChanged aborts an ingestion whose chunks were embedded by
// different model versions, e.g. after degrading to the fallback mid-document.
var errVersionChanged = errors.New("embedding model version changed during ingest")

// Document is a source document to ingest.
type Document struct {
	ID       string
	Text     string
	Category string
}

// IngestReport describes the ingestion of one document.
type IngestReport struct {
	DocumentID string
	// Chunks is the number of records the document now has.
	Chunks int
	// Skipped is set when the document was unchanged since its last ingestion.
	Skipped bool
	// Replaced is set when records of a previous ingestion were removed.
	Replaced     bool
	ModelVersion string
	// Degraded is set when the fallback embedder produced the vectors.
	Degraded bool
	Duration time.Duration
}

// Ingest chunks, embeds and indexes text as document docID.
//
// A document whose text, category and model version are unchanged is
// skipped. Otherwise the previous records of the document are removed first
// and the new ones take their place. On failure or cancellation no record of
// the document remains.
func (e *Engine) Ingest(ctx context.Context, docID, text, category string) (IngestReport, error) {
	start := time.Now()
	rep, err := e.ingestText(ctx, Document{ID: docID, Text: text, Category: category})
	err = translateError(err)
	rep.Duration = time.Since(start)
	e.metrics.RecordIngest(rep.Chunks, rep.Skipped, rep.Duration, err)
	e.logger.LogIngest(ctx, rep, err)
	return rep, err
}

// IngestReader ingests the text read from r as document docID. The input is
// chunked while it streams, so it never has to fit in memory at once. Since
// the content is only known after reading it, the document is always
// ingested again, never skipped.
func (e *Engine) IngestReader(ctx context.Context, docID string, r io.Reader, category string) (IngestReport, error) {
	start := time.Now()
	rep, err := e.ingestReader(ctx, docID, r, category)
	err = translateError(err)
	rep.Duration = time.Since(start)
	e.metrics.RecordIngest(rep.Chunks, rep.Skipped, rep.Duration, err)
	e.logger.LogIngest(ctx, rep, err)
	return rep, err
}

func (e *Engine) ingestText(ctx context.Context, doc Document) (IngestReport, error) {
	rep := IngestReport{DocumentID: doc.ID}
	version, err := e.checkIngest(ctx, doc.ID)
	if err != nil {
		return rep, err
	}

	mu := e.docLock(doc.ID)
	mu.Lock()
	defer mu.Unlock()

	hash := docstore.ContentHash(doc.Text)
	prev, found, err := e.lookupDocument(ctx, doc.ID)
	if err != nil {
		return rep, err
	}
	if found && prev.ContentHash == hash && prev.Category == doc.Category && prev.ModelVersion == version {
		rep.Skipped = true
		rep.Chunks = prev.Chunks
		rep.ModelVersion = version
		return rep, nil
	}
	if found {
		if err := e.forget(ctx, prev); err != nil {
			return rep, err
		}
		rep.Replaced = true
	}

	var res ingestResult
	for attempt := 0; ; attempt++ {
		res, err = e.ingestChunks(ctx, doc.ID, doc.Category, chunksOf(e.chunker.Chunks(doc.Text)))
		if errors.Is(err, errVersionChanged) && attempt == 0 {
			e.logger.WarnContext(ctx, "model version changed during ingest, retrying", "document", doc.ID)
			continue
		}
		break
	}
	if err != nil {
		return rep, err
	}
	if res.version == "" {
		res.version = version
	}
	rep.Chunks, rep.ModelVersion, rep.Degraded = res.chunks, res.version, res.degraded

	return rep, e.register(ctx, docstore.Document{
		ID:           doc.ID,
		ContentHash:  hash,
		Category:     doc.Category,
		Chunks:       res.chunks,
		Bytes:        int64(len(doc.Text)),
		ModelVersion: res.version,
	})
}

func (e *Engine) ingestReader(ctx context.Context, docID string, r io.Reader, category string) (IngestReport, error) {
	rep := IngestReport{DocumentID: docID}
	version, err := e.checkIngest(ctx, docID)
	if err != nil {
		return rep, err
	}

	mu := e.docLock(docID)
	mu.Lock()
	defer mu.Unlock()

	prev, found, err := e.lookupDocument(ctx, docID)
	if err != nil {
		return rep, err
	}
	if found {
		if err := e.forget(ctx, prev); err != nil {
			return rep, err
		}
		rep.Replaced = true
	}

	h := sha256.New()
	cw := &countingWriter{}
	tee := io.TeeReader(r, io.MultiWriter(h, cw))

	res, err := e.ingestChunks(ctx, docID, category, e.chunker.Stream(tee))
	if err != nil {
		return rep, err
	}
	if res.version == "" {
		res.version = version
	}
	rep.Chunks, rep.ModelVersion, rep.Degraded = res.chunks, res.version, res.degraded

	return rep, e.register(ctx, docstore.Document{
		ID:           docID,
		ContentHash:  hex.EncodeToString(h.Sum(nil)),
		Category:     category,
		Chunks:       res.chunks,
		Bytes:        cw.n,
		ModelVersion: res.version,
	})
}

// checkIngest validates an ingestion before anything is removed and returns
// the active model version.
func (e *Engine) checkIngest(ctx context.Context, docID string) (string, error) {
	if e.closed.Load() {
		return "", ErrClosed
	}
	if docID == "" {
		return "", ErrEmptyDocumentID
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	version := e.provider.ModelVersion()
	if version == "" {
		return "", ErrModelNotLoaded
	}
	return version, nil
}

func (e *Engine) lookupDocument(ctx context.Context, docID string) (docstore.Document, bool, error) {
	doc, err := e.docs.Get(ctx, docID)
	switch {
	case err == nil:
		return doc, true, nil
	case errors.Is(err, docstore.ErrNotFound):
		return docstore.Document{}, false, nil
	default:
		return docstore.Document{}, false, err
	}
}

// forget removes the records and the registry entry of a previous ingestion.
func (e *Engine) forget(ctx context.Context, prev docstore.Document) error {
	if _, err := e.removeRecords(ctx, prev.ID, prev.ModelVersion); err != nil {
		return err
	}
	_, err := e.docs.Delete(ctx, prev.ID)
	return err
}

// register records a completed ingestion, rolling back its records when the
// registry cannot be updated.
func (e *Engine) register(ctx context.Context, doc docstore.Document) error {
	err := e.docs.Put(ctx, doc)
	if err == nil {
		return nil
	}
	if _, rerr := e.removeRecords(context.WithoutCancel(ctx), doc.ID, doc.ModelVersion); rerr != nil {
		e.logger.ErrorContext(ctx, "rollback failed", "document", doc.ID, "error", rerr)
	}
	return err
}

type ingestResult struct {
	chunks   int
	version  string
	degraded bool
}

// ingestChunks embeds chunks in batches and inserts them into the index of
// their model version. Cancellation is checked before every batch. On error
// every record already inserted for docID is removed again.
func (e *Engine) ingestChunks(ctx context.Context, docID, category string, chunks iter.Seq2[chunker.Chunk, error]) (res ingestResult, err error) {
	var touched *index.Index
	defer func() {
		if err == nil || touched == nil {
			return
		}
		if _, rerr := touched.Delete(context.WithoutCancel(ctx), docID); rerr != nil && !errors.Is(rerr, index.ErrClosed) {
			e.logger.ErrorContext(ctx, "rollback failed", "document", docID, "error", rerr)
		}
	}()

	now := time.Now().UTC()
	batch := make([]chunker.Chunk, 0, e.opts.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		texts := make([]string, len(batch))
		for i := range batch {
			texts[i] = batch[i].Text
		}
		embs, err := e.provider.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}

		recs := make([]model.Record, len(batch))
		for i, c := range batch {
			emb := embs[i]
			switch {
			case res.version == "":
				res.version = emb.ModelVersion
			case emb.ModelVersion != res.version:
				return errVersionChanged
			}
			res.degraded = res.degraded || emb.Fallback
			recs[i] = model.Record{
				ID:               model.RecordID(docID, c.Index),
				SourceDocumentID: docID,
				ChunkIndex:       c.Index,
				Text:             c.Text,
				Vector:           emb.Vector,
				ModelVersion:     emb.ModelVersion,
				Category:         category,
				CreatedAt:        now,
				StartOffset:      c.StartOffset,
				EndOffset:        c.EndOffset,
			}
		}

		idx, err := e.indexFor(ctx, res.version)
		if err != nil {
			return err
		}
		touched = idx
		if err := idx.InsertBatch(ctx, recs); err != nil {
			return err
		}
		res.chunks += len(recs)
		batch = batch[:0]
		return nil
	}

	for c, cerr := range chunks {
		if cerr != nil {
			return res, cerr
		}
		batch = append(batch, c)
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}
	return res, nil
}

func chunksOf(seq iter.Seq[chunker.Chunk]) iter.Seq2[chunker.Chunk, error] {
	return func(yield func(chunker.Chunk, error) bool) {
		for c := range seq {
			if !yield(c, nil) {
				return
			}
		}
	}
}

type countingWriter struct{ n int64 }

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}

// BatchReport summarizes a batch ingestion.
type BatchReport struct {
	Total    int
	Ingested int
	Skipped  int
	Chunks   int
	// Failed holds one error per document that could not be ingested.
	Failed []*DocumentError
	// Cancelled counts documents not attempted because ctx was done.
	Cancelled int
	Duration  time.Duration
}

// IngestBatch ingests docs one after another. A failing document is
// recorded in the report and the batch continues. Cancellation stops the
// batch between documents and between embedding batches; the interrupted
// document leaves no records behind and ctx.Err() is returned with the
// report of the work done so far.
func (e *Engine) IngestBatch(ctx context.Context, docs []Document) (BatchReport, error) {
	start := time.Now()
	rep := BatchReport{Total: len(docs)}

	var err error
	for i, doc := range docs {
		if err = ctx.Err(); err != nil {
			rep.Cancelled = len(docs) - i
			break
		}
		r, ierr := e.Ingest(ctx, doc.ID, doc.Text, doc.Category)
		if ierr != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
				rep.Cancelled = len(docs) - i
				break
			}
			if errors.Is(ierr, ErrClosed) {
				err = ierr
				rep.Cancelled = len(docs) - i
				break
			}
			rep.Failed = append(rep.Failed, &DocumentError{DocumentID: doc.ID, Err: ierr})
			continue
		}
		if r.Skipped {
			rep.Skipped++
			continue
		}
		rep.Ingested++
		rep.Chunks += r.Chunks
	}

	rep.Duration = time.Since(start)
	e.metrics.RecordBatchIngest(rep.Total, len(rep.Failed), rep.Duration)
	e.logger.LogBatchIngest(ctx, rep)
	return rep, err
}
