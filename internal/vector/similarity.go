// Package vector provides the numeric primitives behind semantic matching:
// cosine similarity, PCA projection, int8 quantization and blob codecs.
package vector

import (
	"errors"
	"fmt"
	"math"
)

// ErrDimensionMismatch is returned when two vectors (or a vector and a
// projection) do not have compatible lengths.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// CosineSimilarity returns dot(a,b) / (|a|*|b|) in [-1, 1].
// Vectors must have equal length; a zero-norm vector yields 0.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}

// InnerProduct returns the inner product of two vectors (for normalized vectors equals cosine similarity).
// Returns 0 when the lengths differ.
func InnerProduct(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// L2Norm returns the L2 norm of a vector.
func L2Norm(x []float32) float64 {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// NormalizeL2 scales x in place to unit length. A zero vector is left unchanged.
func NormalizeL2(x []float32) {
	norm := L2Norm(x)
	if norm == 0 {
		return
	}
	for i := range x {
		x[i] = float32(float64(x[i]) / norm)
	}
}
