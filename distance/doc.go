// Package distance provides the vector math behind relevance scoring.
//
// # Supported Metrics
//
//   - MetricCosine: cosine similarity; for L2-normalized vectors this is the dot product (default)
//   - MetricDot: raw inner product
//   - MetricL2: negated squared Euclidean distance, so that higher is better
//
// Every Scorer returns a similarity: larger means more relevant.
//
// # Usage
//
//	distance.NormalizeL2InPlace(vec)
//	score, _ := distance.ScorerFor(distance.MetricCosine)
//	sim := score(query, vec)
package distance
