package distance

import (
	"fmt"
	"math"
	"slices"
)

// NormTolerance is the accepted deviation of a normalized vector's squared norm from 1.
const NormTolerance = 1e-4

// Dot calculates the dot product of two vectors.
// Assumes vectors are the same length (caller's responsibility).
func Dot(a, b []float32) float32 {
	var sum float32
	n := len(a)
	i := 0
	for ; i+4 <= n; i += 4 {
		sum += a[i]*b[i] + a[i+1]*b[i+1] + a[i+2]*b[i+2] + a[i+3]*b[i+3]
	}
	for ; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// SquaredL2 calculates the squared Euclidean distance between two vectors.
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// SquaredNorm returns Σ v_i².
func SquaredNorm(v []float32) float32 {
	return Dot(v, v)
}

// NormalizeL2InPlace scales v by 1/sqrt(Σ v_i²).
// Returns false if v has zero norm.
func NormalizeL2InPlace(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	// accumulate in float64; float32 sums drift on large dimensions
	var norm2 float64
	for _, x := range v {
		norm2 += float64(x) * float64(x)
	}
	if norm2 == 0 || math.IsNaN(norm2) || math.IsInf(norm2, 0) {
		return false
	}
	inv := 1 / math.Sqrt(norm2)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return true
}

// NormalizeL2Copy returns a normalized copy of src.
// Returns false if src has zero norm.
func NormalizeL2Copy(src []float32) ([]float32, bool) {
	dst := slices.Clone(src)
	if !NormalizeL2InPlace(dst) {
		return nil, false
	}
	return dst, true
}

// IsNormalized reports whether |Σ v_i² − 1| < NormTolerance.
func IsNormalized(v []float32) bool {
	return math.Abs(float64(SquaredNorm(v))-1) < NormTolerance
}

// Metric represents the similarity metric used for scoring.
type Metric int

const (
	MetricCosine Metric = iota
	MetricDot
	MetricL2
)

func (m Metric) String() string {
	switch m {
	case MetricCosine:
		return "cosine"
	case MetricDot:
		return "dot"
	case MetricL2:
		return "l2"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// ParseMetric parses the String form of a Metric.
func ParseMetric(s string) (Metric, error) {
	switch s {
	case "", "cosine":
		return MetricCosine, nil
	case "dot":
		return MetricDot, nil
	case "l2":
		return MetricL2, nil
	default:
		return 0, fmt.Errorf("unsupported metric: %q", s)
	}
}

// Scorer computes a similarity between a query and a stored vector.
// Higher is better.
type Scorer func(query, vec []float32) float32

func negSquaredL2(a, b []float32) float32 {
	return -SquaredL2(a, b)
}

// ScorerFor returns the scorer for the given metric.
//
// MetricCosine relies on both vectors being L2-normalized, which every
// embedding produced by pocketrag is.
func ScorerFor(m Metric) (Scorer, error) {
	switch m {
	case MetricCosine, MetricDot:
		return Dot, nil
	case MetricL2:
		return negSquaredL2, nil
	default:
		return nil, fmt.Errorf("unsupported metric: %v", m)
	}
}
