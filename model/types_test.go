package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilter(t *testing.T) {
	rec := &Record{ID: "a#0", SourceDocumentID: "a", Category: "biology"}

	tests := []struct {
		name   string
		filter *Filter
		want   bool
	}{
		{"nil", nil, true},
		{"empty", &Filter{}, true},
		{"category match", &Filter{Category: "biology"}, true},
		{"category mismatch", &Filter{Category: "history"}, false},
		{"doc match", &Filter{SourceDocumentIDs: []string{"b", "a"}}, true},
		{"doc mismatch", &Filter{SourceDocumentIDs: []string{"b"}}, false},
		{"both", &Filter{Category: "biology", SourceDocumentIDs: []string{"a"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(rec))
		})
	}
}

func TestFilter_MatchesCategories(t *testing.T) {
	f := &Filter{Category: "math"}
	assert.True(t, f.MatchesCategories([]string{"bio", "math"}))
	assert.False(t, f.MatchesCategories([]string{"bio"}))
	assert.True(t, (&Filter{}).MatchesCategories(nil))
}

func TestRecordID(t *testing.T) {
	assert.Equal(t, "doc-7#3", RecordID("doc-7", 3))
	assert.Equal(t, "000042", SegmentID(42).String())
}
