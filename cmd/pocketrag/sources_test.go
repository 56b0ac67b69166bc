package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileFilter(t *testing.T) {
	f := fileFilter{
		include: []string{"**/*.md", "**/*.txt"},
		exclude: []string{"drafts/**", "*.tmp.md"},
	}
	tests := []struct {
		path string
		want bool
	}{
		{"readme.md", true},
		{"docs/guide/intro.md", true},
		{"notes.txt", true},
		{"main.go", false},
		{"drafts/idea.md", false},
		{"docs/scratch.tmp.md", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, f.match(tt.path), tt.path)
	}

	assert.True(t, fileFilter{}.match("anything.bin"))
}

func TestCollectSources(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.md"), "alpha")
	writeFile(t, filepath.Join(root, "sub", "b.txt"), "beta")
	writeFile(t, filepath.Join(root, "sub", "c.go"), "package c")
	writeFile(t, filepath.Join(root, ".git", "HEAD.md"), "ref")
	single := filepath.Join(t.TempDir(), "single.go")
	writeFile(t, single, "package single")

	filter := fileFilter{include: []string{"**/*.md", "**/*.txt"}, exclude: []string{".git/**"}}
	got, err := collectSources([]string{root, single, root}, filter)
	require.NoError(t, err)

	var ids []string
	for _, s := range got {
		ids = append(ids, s.ID)
	}
	want := []string{
		filepath.ToSlash(filepath.Join(root, "a.md")),
		filepath.ToSlash(filepath.Join(root, "sub", "b.txt")),
		filepath.ToSlash(single),
	}
	assert.ElementsMatch(t, want, ids)
	assert.IsNonDecreasing(t, ids)

	for _, s := range got {
		if filepath.Base(s.Path) == "a.md" {
			assert.Equal(t, int64(5), s.Size)
		}
	}

	_, err = collectSources([]string{filepath.Join(root, "missing")}, filter)
	assert.Error(t, err)
}

func TestIsPDF(t *testing.T) {
	assert.True(t, isPDF("paper.PDF"))
	assert.False(t, isPDF("paper.md"))
}
