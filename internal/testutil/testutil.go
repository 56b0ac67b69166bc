// Package testutil provides seeded data generators for pocketrag tests.
package testutil

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/hupe1980/pocketrag/model"
)

// RNG is a mutex-guarded, seeded random source.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// UnitVector returns a random L2-normalized vector.
func (r *RNG) UnitVector(dim int) []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := make([]float32, dim)
	var sum float64
	for sum == 0 {
		for i := range v {
			f := r.rand.NormFloat64()
			v[i] = float32(f)
			sum += f * f
		}
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

// Records returns n records of one document with random unit vectors.
func (r *RNG) Records(doc string, n, dim int, version, category string) []model.Record {
	out := make([]model.Record, n)
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		text := fmt.Sprintf("passage %d of %s", i, doc)
		out[i] = model.Record{
			ID:               model.RecordID(doc, i),
			SourceDocumentID: doc,
			ChunkIndex:       i,
			Text:             text,
			Vector:           r.UnitVector(dim),
			ModelVersion:     version,
			Category:         category,
			CreatedAt:        created,
			StartOffset:      i * 100,
			EndOffset:        i*100 + len(text),
		}
	}
	return out
}

// Words returns n pseudo-random lower-case words separated by spaces.
func (r *RNG) Words(n int) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := make([]byte, 0, n*6)
	for i := 0; i < n; i++ {
		if i > 0 {
			buf = append(buf, ' ')
		}
		l := 2 + r.rand.Intn(7)
		for j := 0; j < l; j++ {
			buf = append(buf, byte('a'+r.rand.Intn(26)))
		}
	}
	return string(buf)
}
