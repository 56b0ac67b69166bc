package pocketrag_test

import (
	"context"
	"fmt"
	"log"

	"github.com/hupe1980/pocketrag"
	"github.com/hupe1980/pocketrag/embedding"
)

func openExample() *pocketrag.Engine {
	eng, err := pocketrag.Open(context.Background(), pocketrag.Memory(),
		pocketrag.WithModel(embedding.Variant{Backend: embedding.HashBackend, Dim: 128}),
	)
	if err != nil {
		log.Fatal(err)
	}
	return eng
}

// Example_ingest demonstrates ingesting a document.
func Example_ingest() {
	ctx := context.Background()
	eng := openExample()
	defer eng.Close(ctx)

	rep, err := eng.Ingest(ctx, "lesson-1", "Plants turn light into sugar.", "biology")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Ingested %s: %d chunk(s)\n", rep.DocumentID, rep.Chunks)

	// Ingesting unchanged content again is a no-op.
	rep, _ = eng.Ingest(ctx, "lesson-1", "Plants turn light into sugar.", "biology")
	fmt.Println("Skipped:", rep.Skipped)
	// Output:
	// Ingested lesson-1: 1 chunk(s)
	// Skipped: true
}

// Example_retrieve demonstrates retrieving a grounding context.
func Example_retrieve() {
	ctx := context.Background()
	eng := openExample()
	defer eng.Close(ctx)

	docs := []pocketrag.Document{
		{ID: "bio", Text: "Photosynthesis converts light energy into chemical energy in plants.", Category: "biology"},
		{ID: "hist", Text: "The Roman Empire was ruled by emperors after the republic ended.", Category: "history"},
	}
	if _, err := eng.IngestBatch(ctx, docs); err != nil {
		log.Fatal(err)
	}

	r, err := eng.Retrieve(ctx, "photosynthesis light energy plants", 1)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(r.Hits[0].SourceDocumentID)
	fmt.Println(r.Context.Text)
	// Output:
	// bio
	// Photosynthesis converts light energy into chemical energy in plants.
}

// Example_query demonstrates the fluent query builder.
func Example_query() {
	ctx := context.Background()
	eng := openExample()
	defer eng.Close(ctx)

	_, _ = eng.Ingest(ctx, "bio", "Cells divide by mitosis.", "biology")
	_, _ = eng.Ingest(ctx, "hist", "Cells in monasteries housed monks.", "history")

	hit, err := eng.Query("cells divide").
		Category("history").
		First(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(hit.ID)
	// Output: hist#0
}

// Example_metrics demonstrates collecting basic metrics.
func Example_metrics() {
	ctx := context.Background()
	metrics := &pocketrag.BasicMetricsCollector{}
	eng, err := pocketrag.Open(ctx, pocketrag.Memory(),
		pocketrag.WithFallback(64),
		pocketrag.WithMetricsCollector(metrics),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer eng.Close(ctx)

	_, _ = eng.Ingest(ctx, "a", "alpha beta gamma", "")
	_, _ = eng.Retrieve(ctx, "alpha", 3)

	stats := metrics.GetStats()
	fmt.Printf("Ingests: %d, Retrievals: %d\n", stats.IngestCount, stats.RetrieveCount)
	// Output: Ingests: 1, Retrievals: 1
}
