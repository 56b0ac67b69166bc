package main

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/ledongthuc/pdf"
)

// source is one file to ingest.
type source struct {
	// ID is the document ID: the slash-separated path as given or found.
	ID   string
	Path string
	Size int64
}

// fileFilter matches slash-separated relative paths against include and
// exclude globs. Exclude patterns are also tried against the base name.
type fileFilter struct {
	include []string
	exclude []string
}

func (f fileFilter) match(rel string) bool {
	for _, p := range f.exclude {
		if ok, _ := doublestar.Match(p, rel); ok {
			return false
		}
		if ok, _ := doublestar.Match(p, path.Base(rel)); ok {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, p := range f.include {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// collectSources expands files and directories into sources. Files named
// explicitly are always taken; directories are walked and filtered.
func collectSources(args []string, filter fileFilter) ([]source, error) {
	seen := make(map[string]bool)
	var out []source
	add := func(id, p string, size int64) {
		if seen[id] {
			return
		}
		seen[id] = true
		out = append(out, source{ID: id, Path: p, Size: size})
	}

	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			add(filepath.ToSlash(filepath.Clean(arg)), arg, info.Size())
			continue
		}

		root := filepath.Clean(arg)
		err = doublestar.GlobWalk(os.DirFS(root), "**", func(rel string, d fs.DirEntry) error {
			if d.IsDir() || !filter.match(rel) {
				return nil
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			p := filepath.Join(root, filepath.FromSlash(rel))
			add(filepath.ToSlash(p), p, fi.Size())
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", arg, err)
		}
	}

	slices.SortFunc(out, func(a, b source) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func isPDF(p string) bool {
	return strings.EqualFold(filepath.Ext(p), ".pdf")
}

// extractPDF returns the plain text of a PDF file.
func extractPDF(p string) (string, error) {
	f, r, err := pdf.Open(p)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	b, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, b); err != nil {
		return "", fmt.Errorf("read pdf buffer: %w", err)
	}
	return buf.String(), nil
}
