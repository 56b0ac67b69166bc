package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hupe1980/pocketrag"
)

type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(s string) error {
	*l = append(*l, s)
	return nil
}

type ingestSummary struct {
	Files    int
	Ingested int
	Skipped  int
	Failed   int
	Chunks   int
	Degraded int
}

func runIngest(ctx context.Context, env *cliEnv, args []string) error {
	fs := newFlagSet(env, "ingest", "ingest [options] <path|-> ...", `    # Ingest a directory with the configured include globs
    pocketrag ingest ./notes

    # Only markdown, skip drafts
    pocketrag ingest -include '**/*.md' -exclude 'drafts/**' ./notes

    # Stream stdin as one document
    cat report.txt | pocketrag ingest -id report -category finance -`)
	category := fs.String("category", "", "Category assigned to every ingested document")
	id := fs.String("id", "", "Document ID for stdin input")
	var include, exclude stringList
	fs.Var(&include, "include", "Include glob for directory walks (repeatable, replaces ingest.include)")
	fs.Var(&exclude, "exclude", "Exclude glob (repeatable, added to ingest.exclude)")
	showProgress := fs.Bool("progress", stderrIsTerminal(), "Show a progress bar")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return usagef("ingest needs at least one path")
	}

	filter := fileFilter{include: env.cfg.Ingest.Include, exclude: env.cfg.Ingest.Exclude}
	if len(include) > 0 {
		filter.include = include
	}
	filter.exclude = append(filter.exclude, exclude...)

	var paths []string
	stdin := false
	for _, a := range fs.Args() {
		if a == "-" {
			stdin = true
			continue
		}
		paths = append(paths, a)
	}
	if stdin && *id == "" {
		return usagef("reading stdin requires -id")
	}

	sources, err := collectSources(paths, filter)
	if err != nil {
		return err
	}

	eng, err := env.open(ctx, true)
	if err != nil {
		return err
	}
	defer eng.Close(context.WithoutCancel(ctx))

	start := time.Now()
	var sum ingestSummary

	if stdin {
		rep, err := eng.IngestReader(ctx, *id, env.stdin, *category)
		sum.add(rep, err)
		if err != nil {
			fmt.Fprintf(env.stderr, "failed %s: %v\n", *id, err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}

	bar := newProgress(*showProgress, len(sources), env.stderr)
	for _, src := range sources {
		if ctx.Err() != nil {
			break
		}
		bar.Describe(src.ID)
		rep, err := ingestSource(ctx, eng, env.cfg, src, *category)
		sum.add(rep, err)
		if err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(env.stderr, "failed %s: %v\n", src.ID, err)
		}
		bar.Increment()
	}
	bar.Finish()

	if err := eng.Flush(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	fmt.Fprintf(env.stdout, "Ingested %d of %d documents (%d unchanged, %d failed), %d chunks in %s\n",
		sum.Ingested, sum.Files, sum.Skipped, sum.Failed, sum.Chunks, time.Since(start).Round(time.Millisecond))
	if sum.Degraded > 0 {
		fmt.Fprintf(env.stdout, "Warning: %d documents were embedded by the fallback model\n", sum.Degraded)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if sum.Failed > 0 {
		return fmt.Errorf("%d documents failed", sum.Failed)
	}
	return nil
}

func (s *ingestSummary) add(rep pocketrag.IngestReport, err error) {
	s.Files++
	switch {
	case err != nil:
		s.Failed++
	case rep.Skipped:
		s.Skipped++
	default:
		s.Ingested++
		s.Chunks += rep.Chunks
		if rep.Degraded {
			s.Degraded++
		}
	}
}

// ingestSource ingests one file. PDFs are converted to text first; files
// above the stream threshold go through IngestReader, the rest through
// Ingest so unchanged files are skipped.
func ingestSource(ctx context.Context, eng *pocketrag.Engine, cfg *Config, src source, category string) (pocketrag.IngestReport, error) {
	if isPDF(src.Path) {
		text, err := extractPDF(src.Path)
		if err != nil {
			return pocketrag.IngestReport{DocumentID: src.ID}, err
		}
		return eng.Ingest(ctx, src.ID, text, category)
	}

	if t := cfg.Ingest.StreamThreshold; t > 0 && src.Size > t {
		f, err := os.Open(src.Path)
		if err != nil {
			return pocketrag.IngestReport{DocumentID: src.ID}, err
		}
		defer f.Close()
		return eng.IngestReader(ctx, src.ID, f, category)
	}

	data, err := os.ReadFile(src.Path)
	if err != nil {
		return pocketrag.IngestReport{DocumentID: src.ID}, err
	}
	return eng.Ingest(ctx, src.ID, string(data), category)
}
