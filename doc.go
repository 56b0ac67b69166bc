// Package pocketrag is an on-device retrieval engine for offline
// retrieval-augmented generation.
//
// Documents are split into overlapping chunks, embedded by a local model and
// stored in a segmented vector index that keeps only a bounded number of
// segments in memory. A query is embedded the same way, the most similar
// chunks are found with a bounded top-k scan and assembled into a grounding
// context that fits a token budget.
//
// # Quick Start
//
// Local mode:
//
//	ctx := context.Background()
//	eng, _ := pocketrag.Open(ctx, pocketrag.Local("./data"),
//	    pocketrag.WithModel(embedding.Variant{Backend: "openai", Model: "nomic-embed-text"}),
//	    pocketrag.WithFallback(256),
//	)
//	defer eng.Close(ctx)
//
// Cloud mode:
//
//	s3Store, _ := s3.New(ctx, "my-bucket", s3.WithPrefix("rag/"))
//	eng, _ := pocketrag.Open(ctx, pocketrag.Remote(s3Store), pocketrag.WithRegistryPath("./docs.db"))
//
// # Ingest and Retrieve
//
//	rep, _ := eng.Ingest(ctx, "lesson-3", text, "biology")
//	fmt.Println(rep.Chunks, rep.Skipped)
//
//	r, _ := eng.Retrieve(ctx, "how do plants make sugar?", 5, pocketrag.WithCategory("biology"))
//	prompt := r.Context.Text
//	for _, h := range r.Hits {
//	    fmt.Println(h.SourceDocumentID, h.ChunkIndex, h.Score)
//	}
//
// Ingesting a document again replaces its previous records; unchanged
// documents are skipped. Delete removes a document.
//
// # Model Versions
//
// Every record carries the version tag of the model that embedded it, and
// each version has its own index. Vectors of different versions are never
// compared. SwitchModel loads another model and deletes the records of
// every other version, which must then be ingested again.
//
// When the model is unavailable and WithFallback is set, a deterministic
// hashing embedder stands in. Its vectors carry their own version tag, so
// degraded-mode records and queries only ever meet each other.
//
// # Durability Model
//
// Inserts are buffered and become an immutable segment when the buffer is
// full, on Flush, or on Close. Buffered records are visible to queries but
// are lost if the process dies before a flush.
package pocketrag
