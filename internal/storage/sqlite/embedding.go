package sqlite

import (
	"encoding/binary"
	"fmt"
	"math"
)

// serializeEmbedding converts a float32 slice to a binary representation.
// Uses little-endian byte order for consistency across platforms.
func serializeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}

	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// deserializeEmbedding converts a binary representation back to a
// float32 slice. dimension is used to validate the buffer size.
func deserializeEmbedding(buf []byte, dimension int) ([]float32, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension: %d", dimension)
	}

	expectedSize := dimension * 4
	if len(buf) != expectedSize {
		return nil, fmt.Errorf("buffer size mismatch: expected %d bytes, got %d", expectedSize, len(buf))
	}

	embedding := make([]float32, dimension)
	for i := 0; i < dimension; i++ {
		bits := binary.LittleEndian.Uint32(buf[i*4:])
		embedding[i] = math.Float32frombits(bits)
	}
	return embedding, nil
}

// cosineSimilarity computes cosine similarity between two equal-length
// vectors. Returns 0 if either vector has zero magnitude or lengths differ.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
