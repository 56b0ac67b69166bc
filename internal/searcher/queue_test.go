package searcher

import (
	"fmt"
	"math/rand"
	"slices"
	"testing"

	"github.com/hupe1980/pocketrag/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cand(id string, chunk int, score float32) Candidate {
	return Candidate{Score: score, Record: &model.Record{ID: id, ChunkIndex: chunk}}
}

func TestTopK_KeepsBest(t *testing.T) {
	q := NewTopK(3)
	for i, s := range []float32{0.1, 0.9, 0.5, 0.3, 0.7, 0.2} {
		q.Push(cand(fmt.Sprintf("r%d", i), i, s))
	}

	got := q.Sorted()
	require.Len(t, got, 3)
	assert.Equal(t, []float32{0.9, 0.7, 0.5}, []float32{got[0].Score, got[1].Score, got[2].Score})
	assert.Zero(t, q.Len())
}

func TestTopK_TieBreak(t *testing.T) {
	q := NewTopK(3)
	q.Push(cand("b", 2, 0.5))
	q.Push(cand("z", 1, 0.5+1e-8))
	q.Push(cand("a", 2, 0.5))
	q.Push(cand("c", 3, 0.5))

	got := q.Sorted()
	ids := make([]string, len(got))
	for i, c := range got {
		ids[i] = c.Record.ID
	}
	assert.Equal(t, []string{"z", "a", "b"}, ids)
}

func TestTopK_ZeroK(t *testing.T) {
	q := NewTopK(0)
	assert.False(t, q.Push(cand("a", 0, 1)))
	assert.Zero(t, q.Len())
}

func TestTopK_MatchesFullSort(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	all := make([]Candidate, 500)
	for i := range all {
		all[i] = cand(fmt.Sprintf("r%03d", i), i%13, rng.Float32())
	}

	q := NewTopK(10)
	for _, c := range all {
		q.Push(c)
	}
	got := q.Sorted()

	slices.SortFunc(all, func(a, b Candidate) int {
		if a.Score > b.Score {
			return -1
		}
		if a.Score < b.Score {
			return 1
		}
		return 0
	})
	for i := range got {
		assert.Equal(t, all[i].Score, got[i].Score)
	}

	worst, ok := q.Worst()
	assert.False(t, ok)
	assert.Nil(t, worst.Record)
}
