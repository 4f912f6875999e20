package vector

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/m-mizutani/goerr/v2"

	"github.com/iammorganparry/vecmem/internal/models"
)

// Sanitize returns a copy of v with non-finite components replaced by 0 and
// every component rounded to 6 decimal digits.
func Sanitize(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	for i, f := range v {
		x := float64(f)
		if math.IsNaN(x) || math.IsInf(x, 0) {
			continue
		}
		out[i] = float32(math.Round(x*1e6) / 1e6)
	}
	return out
}

// CosineDistance returns 1 - cos(a, b). Zero-length or zero-norm inputs
// yield a distance of 1.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}

	var dotProduct, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dotProduct += ai * bi
		normA += ai * ai
		normB += bi * bi
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 1
	}
	return 1 - dotProduct/denom
}

// Score is the cosine similarity of the sanitized vectors, in [-1, 1].
func Score(a, b []float32) float64 {
	return 1 - CosineDistance(Sanitize(a), Sanitize(b))
}

// DimensionError reports a vector whose width differs from the configured one.
func DimensionError(expected, actual int) error {
	return goerr.Wrap(models.ErrDimensionMismatch,
		fmt.Sprintf("different vector dimensions %d and %d", expected, actual),
		goerr.V("expected", expected),
		goerr.V("actual", actual),
	)
}

// Float32ToBytes converts a float32 slice to a byte slice (little-endian).
func Float32ToBytes(v []float32) []byte {
	if v == nil {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// BytesToFloat32 converts a byte slice (little-endian) back to a float32 slice.
func BytesToFloat32(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
