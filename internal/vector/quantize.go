package vector

import "math"

// Int8Scale maps a unit-normalized component in [-1, 1] onto [-127, 127].
const Int8Scale = 127

// QuantizeInt8Normalized maps each component v of a unit-normalized vector to
// floor(127*v + 0.5), clamped to [-127, 127]. Halves round toward +Inf, the
// same as the query quantizer of the browser client.
func QuantizeInt8Normalized(v []float32) []int8 {
	q := make([]int8, len(v))
	for i, x := range v {
		r := math.Floor(Int8Scale*float64(x) + 0.5)
		if r < -Int8Scale {
			r = -Int8Scale
		} else if r > Int8Scale {
			r = Int8Scale
		}
		q[i] = int8(r)
	}
	return q
}

// DotInt8 returns the integer dot product of a and b over their common length.
func DotInt8(a, b []int8) int32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var s int32
	for i := 0; i < n; i++ {
		s += int32(a[i]) * int32(b[i])
	}
	return s
}

// CosineFromInt8Dot rescales a dot product of two quantized unit vectors back
// to an approximate cosine similarity.
func CosineFromInt8Dot(dot int32) float64 {
	return float64(dot) / (Int8Scale * Int8Scale)
}
