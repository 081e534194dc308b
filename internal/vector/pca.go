package vector

import (
	"fmt"
	"math"
)

// PCAProjectNormalize projects vec into the reduced space described by mean
// and components and L2-normalizes the result.
//
// components is row-major with shape len(mean) x targetDim, so
// y_j = sum_i (vec_i - mean_i) * components[i*targetDim + j].
// A zero projection is returned as-is (norm treated as 1).
func PCAProjectNormalize(vec, mean, components []float32, targetDim int) ([]float32, error) {
	sourceDim := len(mean)
	if sourceDim == 0 || len(vec) != sourceDim {
		return nil, fmt.Errorf("%w: query has %d dims, index expects %d", ErrDimensionMismatch, len(vec), sourceDim)
	}
	if targetDim <= 0 || len(components) < sourceDim*targetDim {
		return nil, fmt.Errorf("%w: %d components for %dx%d projection", ErrDimensionMismatch, len(components), sourceDim, targetDim)
	}

	acc := make([]float64, targetDim)
	for i := 0; i < sourceDim; i++ {
		centered := float64(vec[i]) - float64(mean[i])
		if centered == 0 {
			continue
		}
		row := components[i*targetDim : (i+1)*targetDim]
		for j, c := range row {
			acc[j] += centered * float64(c)
		}
	}

	var sum float64
	for _, v := range acc {
		sum += v * v
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		norm = 1
	}
	out := make([]float32, targetDim)
	for j, v := range acc {
		out[j] = float32(v / norm)
	}
	return out, nil
}
