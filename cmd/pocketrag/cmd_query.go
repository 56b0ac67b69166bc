package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hupe1980/pocketrag"
	"github.com/hupe1980/pocketrag/assemble"
)

type queryHit struct {
	ID       string  `json:"id"`
	Document string  `json:"document"`
	Chunk    int     `json:"chunk"`
	Category string  `json:"category,omitempty"`
	Score    float32 `json:"score"`
	Start    int     `json:"start"`
	End      int     `json:"end"`
	Text     string  `json:"text"`
}

type queryOutput struct {
	Query        string     `json:"query"`
	ModelVersion string     `json:"model_version"`
	Degraded     bool       `json:"degraded,omitempty"`
	Partial      bool       `json:"partial,omitempty"`
	Context      string     `json:"context"`
	Tokens       int        `json:"tokens"`
	Truncated    bool       `json:"truncated,omitempty"`
	Hits         []queryHit `json:"hits"`
}

func runQuery(ctx context.Context, env *cliEnv, args []string) error {
	fs := newFlagSet(env, "query", "query [options] <question>", `    # Five best chunks and their context
    pocketrag query "how do cells divide?"

    # Restrict to a category, JSON output
    pocketrag query -category biology -json "mitosis"`)
	k := fs.Int("k", pocketrag.DefaultK, "Number of chunks to retrieve")
	category := fs.String("category", "", "Only search documents of this category")
	var docs stringList
	fs.Var(&docs, "doc", "Only search this document (repeatable)")
	minScore := fs.Float64("min-score", 0, "Drop hits scoring below this value")
	budget := fs.Int("budget", 0, "Context token budget (default from config)")
	order := fs.String("order", "", "Context order: score or document (default from config)")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	contextOnly := fs.Bool("context", false, "Print only the assembled context")
	if err := fs.Parse(args); err != nil {
		return err
	}
	question := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if question == "" {
		fs.Usage()
		return usagef("query needs a question")
	}

	var opts []pocketrag.RetrieveOption
	if *category != "" {
		opts = append(opts, pocketrag.WithCategory(*category))
	}
	if len(docs) > 0 {
		opts = append(opts, pocketrag.WithDocuments(docs...))
	}
	if *minScore != 0 {
		opts = append(opts, pocketrag.WithMinScore(float32(*minScore)))
	}
	if *budget > 0 {
		opts = append(opts, pocketrag.WithBudget(*budget))
	}
	if *order != "" {
		o, err := assemble.ParseOrder(*order)
		if err != nil {
			return usagef("%v", err)
		}
		opts = append(opts, pocketrag.WithOrder(o))
	}

	eng, err := env.open(ctx, true)
	if err != nil {
		return err
	}
	defer eng.Close(context.WithoutCancel(ctx))

	r, err := eng.Retrieve(ctx, question, *k, opts...)
	if err != nil {
		return err
	}

	switch {
	case *contextOnly:
		fmt.Fprintln(env.stdout, r.Context.Text)
		return nil
	case *jsonOut:
		return writeJSON(env.stdout, toQueryOutput(question, r))
	}
	printRetrieval(env.stdout, r)
	return nil
}

func toQueryOutput(q string, r pocketrag.Retrieval) queryOutput {
	out := queryOutput{
		Query:        q,
		ModelVersion: r.ModelVersion,
		Degraded:     r.Degraded,
		Partial:      r.Partial,
		Context:      r.Context.Text,
		Tokens:       r.Context.Tokens,
		Truncated:    r.Context.Truncated,
		Hits:         make([]queryHit, 0, len(r.Hits)),
	}
	for _, h := range r.Hits {
		out.Hits = append(out.Hits, queryHit{
			ID:       h.ID,
			Document: h.SourceDocumentID,
			Chunk:    h.ChunkIndex,
			Category: h.Category,
			Score:    h.Score,
			Start:    h.StartOffset,
			End:      h.EndOffset,
			Text:     h.Text,
		})
	}
	return out
}

func printRetrieval(w io.Writer, r pocketrag.Retrieval) {
	if len(r.Hits) == 0 {
		fmt.Fprintln(w, "No matching chunks.")
		return
	}
	for i, h := range r.Hits {
		fmt.Fprintf(w, "%d. [%.4f] %s (bytes %d-%d)\n", i+1, h.Score, h.ID, h.StartOffset, h.EndOffset)
		fmt.Fprintf(w, "   %s\n", preview(h.Text, 160))
	}
	if r.Partial {
		fmt.Fprintf(w, "\nWarning: %d segments could not be read, results are partial\n", len(r.SkippedSegments))
	}
	if r.Degraded {
		fmt.Fprintln(w, "\nWarning: the query was embedded by the fallback model")
	}
	fmt.Fprintf(w, "\n--- context (%d tokens", r.Context.Tokens)
	if r.Context.Truncated {
		fmt.Fprint(w, ", truncated")
	}
	fmt.Fprintf(w, ") ---\n%s\n", r.Context.Text)
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
