package pocketrag

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/pocketrag/assemble"
	"github.com/hupe1980/pocketrag/blobstore"
	"github.com/hupe1980/pocketrag/chunker"
	"github.com/hupe1980/pocketrag/embedding"
	"github.com/hupe1980/pocketrag/index"
	"github.com/hupe1980/pocketrag/internal/docstore"
	"github.com/hupe1980/pocketrag/internal/resource"
	"github.com/hupe1980/pocketrag/search"
)

// RegistryFileName is the document registry file inside a Local directory.
const RegistryFileName = "docs.db"

const docLockStripes = 32

// Backend selects where segments and manifests are stored.
type Backend interface {
	open() (store blobstore.BlobStore, registryPath string, err error)
}

type localBackend struct{ dir string }

// Local stores everything under dir, including the document registry.
func Local(dir string) Backend { return localBackend{dir: dir} }

func (b localBackend) open() (blobstore.BlobStore, string, error) {
	if b.dir == "" {
		return nil, "", errors.New("pocketrag: empty directory")
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("failed to create directory: %w", err)
	}
	return blobstore.NewLocalStore(b.dir), filepath.Join(b.dir, RegistryFileName), nil
}

type remoteBackend struct{ store blobstore.BlobStore }

// Remote stores segments and manifests in store (for example S3 or MinIO).
// The document registry is kept in memory unless WithRegistryPath is set.
func Remote(store blobstore.BlobStore) Backend { return remoteBackend{store: store} }

func (b remoteBackend) open() (blobstore.BlobStore, string, error) {
	if b.store == nil {
		return nil, "", errors.New("pocketrag: nil blob store")
	}
	return b.store, "", nil
}

// Memory keeps everything in memory. Useful for tests and ephemeral sessions.
func Memory() Backend { return remoteBackend{store: blobstore.NewMemoryStore()} }

// Engine is an on-device retrieval engine. It chunks and embeds documents
// into per-model-version vector indexes and assembles grounding contexts
// for queries. It is safe for concurrent use.
type Engine struct {
	store        blobstore.BlobStore
	docs         *docstore.Store
	provider     *embedding.Provider
	ownsProvider bool
	chunker      *chunker.Chunker
	searcher     *search.Engine
	assembler    *assemble.Assembler
	rc           *resource.Controller
	opts         options
	logger       *Logger
	metrics      MetricsCollector

	// ctx bounds background compactors; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	indexes map[string]*index.Index

	docLocks [docLockStripes]sync.Mutex
	closed   atomic.Bool
}

// Open opens an engine on backend.
//
// Example:
//
//	eng, err := pocketrag.Open(ctx, pocketrag.Local("./data"),
//	    pocketrag.WithModel(embedding.Variant{Backend: "openai", Model: "nomic-embed-text"}),
//	    pocketrag.WithFallback(256),
//	)
//	if err != nil {
//	    return err
//	}
//	defer eng.Close(ctx)
func Open(ctx context.Context, backend Backend, optFns ...Option) (*Engine, error) {
	if backend == nil {
		return nil, errors.New("pocketrag: nil backend")
	}
	opts := applyOptions(optFns)

	store, registryPath, err := backend.open()
	if err != nil {
		return nil, err
	}
	if opts.registryPath != "" {
		registryPath = opts.registryPath
	}

	ck, err := chunker.New(chunker.Config{MaxSize: opts.chunkSize, Overlap: opts.chunkOverlap})
	if err != nil {
		return nil, err
	}
	se, err := search.New(search.WithMetric(opts.metric), search.WithLogger(opts.logger.Logger))
	if err != nil {
		return nil, err
	}

	provider, owns := opts.provider, false
	if provider == nil {
		provOpts := []embedding.Option{
			embedding.WithLogger(opts.logger.Logger),
			embedding.WithBatchSize(opts.batchSize),
		}
		if opts.registry != nil {
			provOpts = append(provOpts, embedding.WithRegistry(opts.registry))
		}
		if opts.fallbackDim > 0 {
			provOpts = append(provOpts, embedding.WithFallback(embedding.FallbackPolicy{Dim: opts.fallbackDim}))
		}
		provider, owns = embedding.NewProvider(provOpts...), true
	}

	docs, err := docstore.Open(ctx, registryPath)
	if err != nil {
		return nil, err
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:        store,
		docs:         docs,
		provider:     provider,
		ownsProvider: owns,
		chunker:      ck,
		searcher:     se,
		assembler: assemble.New(
			assemble.WithOrder(opts.order),
			assemble.WithMaxOverlapRatio(opts.maxOverlapRatio),
			assemble.WithTokenCounter(opts.tokenCounter),
		),
		rc: resource.NewController(resource.Config{
			MemoryLimitBytes:     opts.memoryLimit,
			MaxBackgroundWorkers: 1,
			IOLimitBytesPerSec:   opts.ioLimit,
		}),
		opts:    opts,
		logger:  opts.logger,
		metrics: opts.metricsCollector,
		ctx:     bgCtx,
		cancel:  cancel,
		indexes: make(map[string]*index.Index),
	}

	if opts.variant != nil {
		if err := provider.Load(ctx, *opts.variant); err != nil {
			_ = e.Close(ctx)
			return nil, translateError(err)
		}
	}
	if version := provider.ModelVersion(); version != "" {
		if _, err := e.indexFor(ctx, version); err != nil {
			_ = e.Close(ctx)
			return nil, translateError(err)
		}
	}

	e.logger.InfoContext(ctx, "engine opened",
		"model_version", provider.ModelVersion(),
		"registry", registryPath,
	)
	return e, nil
}

// ModelVersion returns the version tag new embeddings carry, or "" when no
// model is loaded and no fallback is configured.
func (e *Engine) ModelVersion() string {
	return e.provider.ModelVersion()
}

// Provider returns the embedding provider.
func (e *Engine) Provider() *embedding.Provider {
	return e.provider
}

func (e *Engine) indexOptions() []index.Option {
	return []index.Option{
		index.WithSegmentSize(e.opts.segmentSize),
		index.WithMaxResidentSegments(e.opts.maxResidentSegments),
		index.WithMaxResidentBytes(e.opts.maxResidentBytes),
		index.WithCompression(e.opts.compression),
		index.WithResourceController(e.rc),
		index.WithLogger(e.logger.Logger),
		index.WithCompactOptions(e.opts.compact),
	}
}

// indexFor returns the open index of version, opening or creating it.
func (e *Engine) indexFor(ctx context.Context, version string) (*index.Index, error) {
	e.mu.RLock()
	idx, ok := e.indexes[version]
	e.mu.RUnlock()
	if ok {
		return idx, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if idx, ok := e.indexes[version]; ok {
		return idx, nil
	}

	idx, err := index.Open(ctx, e.store, version, e.indexOptions()...)
	if err != nil {
		return nil, err
	}
	if e.opts.compactionInterval > 0 {
		idx.StartCompactor(e.ctx, e.opts.compactionInterval)
	}
	e.indexes[version] = idx
	return idx, nil
}

// existingIndex returns the index of version if it is open or persisted.
// It never creates an empty index.
func (e *Engine) existingIndex(ctx context.Context, version string) (*index.Index, bool, error) {
	e.mu.RLock()
	idx, ok := e.indexes[version]
	e.mu.RUnlock()
	if ok {
		return idx, true, nil
	}

	names, err := e.store.List(ctx, index.Prefix(version))
	if err != nil {
		return nil, false, err
	}
	if len(names) == 0 {
		return nil, false, nil
	}
	idx, err = e.indexFor(ctx, version)
	if err != nil {
		return nil, false, err
	}
	return idx, true, nil
}

func (e *Engine) openIndexes() []*index.Index {
	e.mu.RLock()
	defer e.mu.RUnlock()
	versions := make([]string, 0, len(e.indexes))
	for v := range e.indexes {
		versions = append(versions, v)
	}
	slices.Sort(versions)
	out := make([]*index.Index, len(versions))
	for i, v := range versions {
		out[i] = e.indexes[v]
	}
	return out
}

// docLock serializes ingestion and deletion of one document.
func (e *Engine) docLock(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &e.docLocks[h.Sum32()%docLockStripes]
}

// Delete removes every record of the document and its registry entry. It
// returns the number of records removed, or ErrNotFound for an unknown
// document.
func (e *Engine) Delete(ctx context.Context, docID string) (int, error) {
	start := time.Now()
	removed, err := e.delete(ctx, docID)
	err = translateError(err)
	e.metrics.RecordDelete(removed, time.Since(start), err)
	e.logger.LogDelete(ctx, docID, removed, err)
	return removed, err
}

func (e *Engine) delete(ctx context.Context, docID string) (int, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	if docID == "" {
		return 0, ErrEmptyDocumentID
	}

	mu := e.docLock(docID)
	mu.Lock()
	defer mu.Unlock()

	version := e.provider.ModelVersion()
	known := false
	doc, err := e.docs.Get(ctx, docID)
	switch {
	case err == nil:
		version, known = doc.ModelVersion, true
	case !errors.Is(err, docstore.ErrNotFound):
		return 0, err
	}

	removed, err := e.removeRecords(ctx, docID, version)
	if err != nil {
		return 0, err
	}
	if known {
		if _, err := e.docs.Delete(ctx, docID); err != nil {
			return removed, err
		}
	}
	if !known && removed == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, docID)
	}
	return removed, nil
}

// removeRecords tombstones the records of docID in the index of version.
func (e *Engine) removeRecords(ctx context.Context, docID, version string) (int, error) {
	if version == "" {
		return 0, nil
	}
	idx, ok, err := e.existingIndex(ctx, version)
	if err != nil || !ok {
		return 0, err
	}
	return idx.Delete(ctx, docID)
}

// Flush persists the write buffers of all open indexes.
func (e *Engine) Flush(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	for _, idx := range e.openIndexes() {
		if err := idx.Flush(ctx); err != nil {
			return translateError(err)
		}
	}
	return nil
}

// CompactionReport summarizes a compaction over all open indexes.
type CompactionReport struct {
	// Rewritten is the number of input segments replaced.
	Rewritten int
	// Written is the number of segments produced.
	Written     int
	RemovedRows int
	Duration    time.Duration
}

// Compact rewrites segments holding many deleted records and merges small
// segments in every open index.
func (e *Engine) Compact(ctx context.Context) (CompactionReport, error) {
	start := time.Now()
	var (
		rep CompactionReport
		err error
	)
	if e.closed.Load() {
		err = ErrClosed
	} else {
		for _, idx := range e.openIndexes() {
			r, cerr := idx.Compact(ctx, e.opts.compact)
			rep.Rewritten += len(r.Inputs)
			rep.Written += len(r.Outputs)
			rep.RemovedRows += r.RemovedRows
			if cerr != nil {
				err = translateError(cerr)
				break
			}
		}
	}
	rep.Duration = time.Since(start)
	e.metrics.RecordCompaction(rep.RemovedRows, rep.Duration, err)
	e.logger.LogCompaction(ctx, rep, err)
	return rep, err
}

// SwitchReport summarizes a model switch.
type SwitchReport struct {
	From string
	To   string
	// PrunedVersions lists the blob prefixes of deleted indexes.
	PrunedVersions []string
	// StaleDocuments counts documents embedded by another version. They are
	// removed from the registry unless stale versions are retained, and must
	// be ingested again to be retrievable.
	StaleDocuments int
}

// SwitchModel loads v and makes its version the active index. Records of
// every other version are deleted unless WithRetainStaleVersions is set;
// embeddings of different versions are never compared.
func (e *Engine) SwitchModel(ctx context.Context, v embedding.Variant) (SwitchReport, error) {
	rep, err := e.switchModel(ctx, v)
	err = translateError(err)
	e.logger.LogModelSwitch(ctx, rep, err)
	return rep, err
}

func (e *Engine) switchModel(ctx context.Context, v embedding.Variant) (SwitchReport, error) {
	rep := SwitchReport{From: e.provider.ModelVersion()}
	if e.closed.Load() {
		return rep, ErrClosed
	}
	if err := e.provider.Load(ctx, v); err != nil {
		return rep, err
	}
	rep.To = e.provider.ModelVersion()
	if _, err := e.indexFor(ctx, rep.To); err != nil {
		return rep, err
	}

	if e.opts.retainStale {
		n, err := e.docs.CountStale(ctx, rep.To)
		rep.StaleDocuments = n
		return rep, err
	}

	e.mu.Lock()
	var firstErr error
	for version, idx := range e.indexes {
		if version == rep.To {
			continue
		}
		if err := idx.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(e.indexes, version)
	}
	e.mu.Unlock()
	if firstErr != nil {
		return rep, firstErr
	}

	pruned, err := index.PruneVersions(ctx, e.store, rep.To)
	rep.PrunedVersions = pruned
	if err != nil {
		return rep, err
	}
	n, err := e.docs.PruneModelVersions(ctx, rep.To)
	rep.StaleDocuments = int(n)
	return rep, err
}

// Stats is a point-in-time summary of the engine.
type Stats struct {
	ModelVersion string
	Embedding    embedding.Stats
	// Index describes the index of the active model version.
	Index index.Stats
	// Versions lists the model versions with an open index.
	Versions  []string
	Documents int
	Chunks    int
	// MemoryUsage is the memory held by resident segments across indexes.
	MemoryUsage int64
}

// Stats returns current engine statistics.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	if e.closed.Load() {
		return Stats{}, ErrClosed
	}
	st := Stats{
		ModelVersion: e.provider.ModelVersion(),
		Embedding:    e.provider.Stats(),
		MemoryUsage:  e.rc.MemoryUsage(),
	}
	for _, idx := range e.openIndexes() {
		st.Versions = append(st.Versions, idx.ModelVersion())
		if idx.ModelVersion() == st.ModelVersion {
			st.Index = idx.Stats()
		}
	}
	ds, err := e.docs.Stats(ctx)
	if err != nil {
		return st, err
	}
	st.Documents, st.Chunks = ds.Documents, ds.Chunks
	return st, nil
}

// DocumentInfo describes an ingested document.
type DocumentInfo struct {
	ID           string
	Category     string
	Chunks       int
	Bytes        int64
	ModelVersion string
	ContentHash  string
	IngestedAt   time.Time
}

// Documents lists ingested documents ordered by ID. An empty category
// lists all.
func (e *Engine) Documents(ctx context.Context, category string) ([]DocumentInfo, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	docs, err := e.docs.List(ctx, docstore.Filter{Category: category})
	if err != nil {
		return nil, err
	}
	out := make([]DocumentInfo, len(docs))
	for i, d := range docs {
		out[i] = DocumentInfo{
			ID:           d.ID,
			Category:     d.Category,
			Chunks:       d.Chunks,
			Bytes:        d.Bytes,
			ModelVersion: d.ModelVersion,
			ContentHash:  d.ContentHash,
			IngestedAt:   d.IngestedAt,
		}
	}
	return out, nil
}
