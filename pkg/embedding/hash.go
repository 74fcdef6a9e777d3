package embedding

import (
	"context"
	"hash/fnv"
	"math"
)

// Hash generates deterministic unit vectors from the FNV hash of the text.
// Identical texts map to identical vectors, which is enough for offline runs
// and tests but carries no semantics.
type Hash struct {
	dimensions int
}

func NewHash(dimensions int) *Hash {
	return &Hash{dimensions: dimensions}
}

func (x *Hash) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, serviceError(err, "embedding canceled")
	}

	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, x.dimensions)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}

	return normalize(vec), nil
}

func (x *Hash) Dimensions() int { return x.dimensions }

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
