package identity

import "math"

// OrthogonalDrift is the scalar projection of response onto anchor:
// (response · anchor) / ‖anchor‖. Higher means closer to the persona. The
// value is signed and unbounded. A zero anchor yields 0. Vectors of unequal
// length are compared over their common prefix.
func OrthogonalDrift(anchor, response []float32) float64 {
	n := min(len(anchor), len(response))

	var dot, norm float64
	for i := range anchor {
		a := float64(anchor[i])
		norm += a * a
		if i < n {
			dot += a * float64(response[i])
		}
	}

	if norm == 0 {
		return 0.0
	}
	return dot / math.Sqrt(norm)
}

// CosineSimilarity computes cosine similarity between two vectors. It returns
// 0 for empty, zero or mismatched vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0.0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
