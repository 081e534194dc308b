package vector

import (
	"math"
	"math/rand/v2"
	"testing"
)

func TestQuantizeInt8Normalized(t *testing.T) {
	got := QuantizeInt8Normalized([]float32{1, -1, 0, 0.5, -0.5, 1.2, -3})
	want := []int8{127, -127, 0, 64, -63, 127, -127}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("component %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestQuantizeInt8Normalized_halvesRoundUp(t *testing.T) {
	// 127*v is exact for these inputs.
	tests := []struct {
		v    float32
		want int8
	}{
		{0.5, 64},   // 63.5
		{-0.5, -63}, // -63.5
		{0.25, 32},  // 31.75
		{-0.25, -32},
		{-0.75, -95}, // -95.25
	}
	for _, tt := range tests {
		if got := QuantizeInt8Normalized([]float32{tt.v})[0]; got != tt.want {
			t.Errorf("v=%v: got %d, want %d", tt.v, got, tt.want)
		}
	}
}

func TestDotInt8(t *testing.T) {
	if got := DotInt8([]int8{127, -127, 3}, []int8{127, 127, 2}); got != 6 {
		t.Errorf("DotInt8 = %d, want 6", got)
	}
	// int8 products must not overflow an int8 accumulator.
	a := make([]int8, 256)
	for i := range a {
		a[i] = 127
	}
	if got := DotInt8(a, a); got != 256*127*127 {
		t.Errorf("DotInt8 large = %d", got)
	}
}

func TestCosineFromInt8Dot(t *testing.T) {
	if got := CosineFromInt8Dot(127 * 127); got != 1 {
		t.Errorf("got %v, want 1", got)
	}
	if got := CosineFromInt8Dot(0); got != 0 {
		t.Errorf("got %v, want 0", got)
	}
}

func TestQuantizedCosineApproximatesFloat(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for _, dim := range []int{32, 64, 256} {
		var worst float64
		for i := 0; i < 200; i++ {
			u := randomUnit(rng, dim)
			v := randomUnit(rng, dim)
			exact, err := CosineSimilarity(u, v)
			if err != nil {
				t.Fatal(err)
			}
			approx := CosineFromInt8Dot(DotInt8(QuantizeInt8Normalized(u), QuantizeInt8Normalized(v)))
			if d := math.Abs(exact - approx); d > worst {
				worst = d
			}
		}
		if worst > 0.02 {
			t.Errorf("dim %d: worst quantization error %v exceeds 0.02", dim, worst)
		}
	}
}
