package embedding

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/pocketrag/distance"
)

func bits(v []float32) []uint32 {
	out := make([]uint32, len(v))
	for i, x := range v {
		out[i] = math.Float32bits(x)
	}
	return out
}

func TestHashModel_Normalized(t *testing.T) {
	m := NewHashModel(128)
	texts := []string{
		"",
		"!!! ??? ...",
		"The cell membrane controls what enters the cell.",
		"Größe und Maß",
		"日本語のテキスト",
		"a",
	}
	for _, text := range texts {
		v, err := m.Embed(context.Background(), text)
		require.NoError(t, err)
		require.Len(t, v, 128)
		assert.Less(t, math.Abs(float64(distance.SquaredNorm(v))-1), 1e-4, "text %q", text)
	}
}

func TestHashModel_Deterministic(t *testing.T) {
	a := NewHashModel(64).Vector("photosynthesis converts light into chemical energy")
	b := NewHashModel(64).Vector("photosynthesis converts light into chemical energy")
	assert.Equal(t, bits(a), bits(b))

	c := NewHashModel(64).Vector("")
	d := NewHashModel(64).Vector("")
	assert.Equal(t, bits(c), bits(d))
}

func TestHashModel_SharedVocabularyScoresHigher(t *testing.T) {
	m := NewHashModel(256)
	q := m.Vector("the cell membrane")
	related := m.Vector("Cell membrane proteins")
	unrelated := m.Vector("ancient roman history")

	assert.Greater(t, distance.Dot(q, related), distance.Dot(q, unrelated))
	assert.InDelta(t, 1.0, distance.Dot(q, m.Vector("THE CELL MEMBRANE")), 1e-5)
}

func TestHashModel_Version(t *testing.T) {
	assert.Equal(t, "fallback-hash-v1-d64", NewHashModel(64).Version())
	assert.Equal(t, DefaultHashDim, NewHashModel(0).Dim())
	assert.NoError(t, NewHashModel(8).Close())
}
