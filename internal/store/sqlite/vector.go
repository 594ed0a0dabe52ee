package sqlite

import (
	"encoding/binary"
	"fmt"
	"math"
)

// PackVector encodes a float32 embedding as little-endian bytes for storage
// in the entries.embedding BLOB column.
func PackVector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// UnpackVector decodes bytes produced by PackVector back into a float32
// slice. Returns an error if the byte length is not a multiple of 4.
func UnpackVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("sqlite: embedding blob length %d is not a multiple of 4", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}

// CosineSimilarity returns the cosine similarity of a and b, or 0 if either
// is a zero vector or their lengths disagree.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		af, bf := float64(a[i]), float64(b[i])
		dot += af * bf
		magA += af * af
		magB += bf * bf
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
