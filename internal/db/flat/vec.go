package flat

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/guozhaokui/imgindex/internal/domain"
)

// l2Norm returns the Euclidean length of v, accumulated in float64.
func l2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// normalized returns a unit-length copy of v. A zero vector cannot be normalized.
func normalized(v []float32) ([]float32, error) {
	norm := l2Norm(v)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil, fmt.Errorf("normalize: %w", domain.ErrZeroVector)
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out, nil
}

// cosine scores a unit query against a stored row. The row is re-normalized on the fly so
// rows written without normalization still score correctly; zero rows score 0.
func cosine(unitQuery, row []float32) float64 {
	var dot, sq float64
	for i, x := range row {
		dot += float64(unitQuery[i]) * float64(x)
		sq += float64(x) * float64(x)
	}
	if sq == 0 {
		return 0
	}
	return dot / math.Sqrt(sq)
}

func encodeFloat32s(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid float32 data: len=%d (not multiple of 4)", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}
