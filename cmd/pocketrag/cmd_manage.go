package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/hupe1980/pocketrag"
	"github.com/hupe1980/pocketrag/embedding"
)

func runDocs(ctx context.Context, env *cliEnv, args []string) error {
	fs := newFlagSet(env, "docs", "docs [options]", "")
	category := fs.String("category", "", "Only list documents of this category")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	eng, err := env.open(ctx, false)
	if err != nil {
		return err
	}
	defer eng.Close(context.WithoutCancel(ctx))

	docs, err := eng.Documents(ctx, *category)
	if err != nil {
		return err
	}
	if *jsonOut {
		if docs == nil {
			docs = []pocketrag.DocumentInfo{}
		}
		return writeJSON(env.stdout, docs)
	}

	tw := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCATEGORY\tCHUNKS\tBYTES\tMODEL\tINGESTED")
	for _, d := range docs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
			d.ID, d.Category, d.Chunks, d.Bytes, d.ModelVersion, d.IngestedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runDelete(ctx context.Context, env *cliEnv, args []string) error {
	fs := newFlagSet(env, "delete", "delete <document-id> ...", "")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return usagef("delete needs at least one document ID")
	}

	eng, err := env.open(ctx, false)
	if err != nil {
		return err
	}
	defer eng.Close(context.WithoutCancel(ctx))

	var missing int
	for _, id := range fs.Args() {
		n, err := eng.Delete(ctx, id)
		switch {
		case errors.Is(err, pocketrag.ErrNotFound):
			fmt.Fprintf(env.stderr, "not found: %s\n", id)
			missing++
		case err != nil:
			return fmt.Errorf("delete %s: %w", id, err)
		default:
			fmt.Fprintf(env.stdout, "Deleted %s (%d chunks)\n", id, n)
		}
	}
	if err := eng.Flush(ctx); err != nil {
		return err
	}
	if missing > 0 {
		return fmt.Errorf("%d documents not found", missing)
	}
	return nil
}

func runCompact(ctx context.Context, env *cliEnv, args []string) error {
	fs := newFlagSet(env, "compact", "compact", "")
	if err := fs.Parse(args); err != nil {
		return err
	}

	eng, err := env.open(ctx, true)
	if err != nil {
		return err
	}
	defer eng.Close(context.WithoutCancel(ctx))

	rep, err := eng.Compact(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.stdout, "Rewrote %d segments into %d, dropped %d deleted rows in %s\n",
		rep.Rewritten, rep.Written, rep.RemovedRows, rep.Duration.Round(time.Millisecond))
	return nil
}

func runSwitch(ctx context.Context, env *cliEnv, args []string) error {
	fs := newFlagSet(env, "switch", "switch [options]", `    # Move to the model in the config and drop older indexes
    pocketrag switch

    # Try another model but keep the old index
    pocketrag switch -backend openai -model text-embedding-3-large -retain`)
	v := env.cfg.Variant()
	backend := fs.String("backend", v.Backend, "Embedding backend")
	modelName := fs.String("model", v.Model, "Backend model name")
	dim := fs.Int("dim", v.Dim, "Requested vector dimension")
	retain := fs.Bool("retain", env.cfg.RetainStaleVersions, "Keep indexes of other model versions")
	if err := fs.Parse(args); err != nil {
		return err
	}

	target := embedding.Variant{Backend: *backend, Model: *modelName, Dim: *dim, Params: v.Params}
	if target.Backend != v.Backend {
		target.Params = nil
	}
	env.cfg.RetainStaleVersions = *retain

	eng, err := env.open(ctx, false)
	if err != nil {
		return err
	}
	defer eng.Close(context.WithoutCancel(ctx))

	rep, err := eng.SwitchModel(ctx, target)
	if err != nil {
		return err
	}
	from := rep.From
	if from == "" {
		from = "(none)"
	}
	fmt.Fprintf(env.stdout, "Switched %s -> %s\n", from, rep.To)
	if len(rep.PrunedVersions) > 0 {
		fmt.Fprintf(env.stdout, "Pruned indexes: %v\n", rep.PrunedVersions)
	}
	if rep.StaleDocuments > 0 {
		verb := "removed from the registry"
		if *retain {
			verb = "still embedded by another model"
		}
		fmt.Fprintf(env.stdout, "%d documents %s; ingest them again to search them\n", rep.StaleDocuments, verb)
	}
	return nil
}

func runStats(ctx context.Context, env *cliEnv, args []string) error {
	fs := newFlagSet(env, "stats", "stats [options]", "")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	eng, err := env.open(ctx, true)
	if err != nil {
		return err
	}
	defer eng.Close(context.WithoutCancel(ctx))

	st, err := eng.Stats(ctx)
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(env.stdout, st)
	}

	fmt.Fprintln(env.stdout, "Index Statistics")
	fmt.Fprintln(env.stdout)
	tw := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Model version:\t%s\n", st.ModelVersion)
	fmt.Fprintf(tw, "Versions:\t%v\n", st.Versions)
	fmt.Fprintf(tw, "Documents:\t%d\n", st.Documents)
	fmt.Fprintf(tw, "Chunks:\t%d\n", st.Chunks)
	fmt.Fprintf(tw, "Records:\t%d\n", st.Index.Records)
	fmt.Fprintf(tw, "Tombstones:\t%d\n", st.Index.Tombstones)
	fmt.Fprintf(tw, "Segments:\t%d\n", st.Index.Segments)
	fmt.Fprintf(tw, "Largest segment:\t%d rows\n", st.Index.MaxSegmentRows)
	fmt.Fprintf(tw, "Disk bytes:\t%d\n", st.Index.DiskBytes)
	fmt.Fprintf(tw, "Dimension:\t%d\n", st.Index.Dim)
	return tw.Flush()
}
