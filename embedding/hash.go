package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"

	"github.com/hupe1980/pocketrag/distance"
)

// DefaultHashDim is the dimension of hash embeddings when none is requested.
const DefaultHashDim = 256

const bigramWeight = 0.5

// HashModel is a deterministic feature-hashing embedder. Lower-cased word
// tokens and adjacent-token bigrams are hashed (FNV-1a) into signed buckets,
// so texts sharing vocabulary score higher than unrelated ones. Text without
// tokens is filled from a splitmix64 stream seeded by its hash.
//
// The same text always yields a bit-identical vector.
type HashModel struct {
	dim int
}

// NewHashModel creates a hash model. dim <= 0 selects DefaultHashDim.
func NewHashModel(dim int) *HashModel {
	if dim <= 0 {
		dim = DefaultHashDim
	}
	return &HashModel{dim: dim}
}

// HashModelVersion returns the version tag of hash embeddings of dimension dim.
func HashModelVersion(dim int) string {
	return fmt.Sprintf("fallback-hash-v1-d%d", dim)
}

// Embed implements Model.
func (h *HashModel) Embed(_ context.Context, text string) ([]float32, error) {
	return h.Vector(text), nil
}

// Dim implements Model.
func (h *HashModel) Dim() int { return h.dim }

// Version implements Model.
func (h *HashModel) Version() string { return HashModelVersion(h.dim) }

// Close implements Model.
func (h *HashModel) Close() error { return nil }

// Vector returns the normalized hash embedding of text.
func (h *HashModel) Vector(text string) []float32 {
	v := make([]float32, h.dim)

	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for i, tok := range tokens {
		h.add(v, tok, 1)
		if i > 0 {
			h.add(v, tokens[i-1]+" "+tok, bigramWeight)
		}
	}

	if !distance.NormalizeL2InPlace(v) {
		state := fnv64a(text)
		for i := range v {
			v[i] = unitFloat(splitmix64(&state))
		}
		distance.NormalizeL2InPlace(v)
	}
	return v
}

func (h *HashModel) add(v []float32, feature string, weight float32) {
	x := fnv64a(feature)
	idx := x % uint64(h.dim)
	if x>>63 == 1 {
		weight = -weight
	}
	v[idx] += weight
}

func fnv64a(s string) uint64 {
	f := fnv.New64a()
	_, _ = f.Write([]byte(s))
	return f.Sum64()
}

func splitmix64(state *uint64) uint64 {
	*state += 0x9e3779b97f4a7c15
	z := *state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// unitFloat maps x to [-1, 1).
func unitFloat(x uint64) float32 {
	return float32(float64(x>>11)/(1<<53)*2 - 1)
}
