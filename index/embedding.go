package index

import (
	"hash/fnv"
	"math"
	"strings"
)

const (
	// EmbeddingDim is the fixed dimensionality of value embeddings.
	EmbeddingDim = 128

	// hashProbes is the number of feature positions each token contributes
	// to. Multiple probes reduce the collision rate of the projection.
	hashProbes = 5
)

// Tokenize normalizes a value into its lowercase whitespace-separated tokens.
// Both indexes derive from exactly this token stream.
func Tokenize(s string) []string {
	return strings.Fields(strings.ToLower(s))
}

// Vectorize projects a token multiset onto a fixed-length feature vector
// using FNV-based hashing, then L2-normalizes it. The projection depends only
// on the multiset: same tokens in any order produce the same vector.
func Vectorize(tokens []string) []float32 {
	vec := make([]float32, EmbeddingDim)
	for _, tok := range tokens {
		for probe := byte(0); probe < hashProbes; probe++ {
			h := fnv.New64a()
			h.Write([]byte(tok))
			h.Write([]byte{probe})
			vec[h.Sum64()%EmbeddingDim]++
		}
	}
	normalizeL2InPlace(vec)
	return vec
}

// normalizeL2InPlace L2-normalizes v in place. Returns false if v has zero
// norm (no tokens), in which case v is left untouched.
func normalizeL2InPlace(v []float32) bool {
	var norm2 float32
	for _, x := range v {
		norm2 += x * x
	}
	if norm2 == 0 {
		return false
	}
	inv := 1 / float32(math.Sqrt(float64(norm2)))
	for i := range v {
		v[i] *= inv
	}
	return true
}

// dot returns the dot product of two equal-length vectors. Stored vectors
// and queries are normalized, so this is their cosine similarity.
func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
