package vector

import (
	"encoding/binary"
	"fmt"
	"math"
)

const float32Size = 4

// Float32sFromBytes decodes a little-endian float32 blob.
func Float32sFromBytes(b []byte) ([]float32, error) {
	if len(b)%float32Size != 0 {
		return nil, fmt.Errorf("float32 blob length %d is not a multiple of %d", len(b), float32Size)
	}
	out := make([]float32, len(b)/float32Size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*float32Size : (i+1)*float32Size]))
	}
	return out, nil
}

// Float32sToBytes encodes s as a little-endian float32 blob.
func Float32sToBytes(s []float32) []byte {
	out := make([]byte, len(s)*float32Size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*float32Size:(i+1)*float32Size], math.Float32bits(v))
	}
	return out
}

// Int8sFromBytes reinterprets a byte blob as signed 8-bit integers.
func Int8sFromBytes(b []byte) []int8 {
	out := make([]int8, len(b))
	for i, v := range b {
		out[i] = int8(v)
	}
	return out
}

// Int8sToBytes is the inverse of Int8sFromBytes.
func Int8sToBytes(s []int8) []byte {
	out := make([]byte, len(s))
	for i, v := range s {
		out[i] = byte(v)
	}
	return out
}
