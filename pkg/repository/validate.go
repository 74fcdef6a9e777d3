package repository

import (
	"sort"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/model"
)

// ValidateQuery checks QuerySimilar arguments shared by every backend
func ValidateQuery(embedding []float32, scope model.Scope, k, dimensions int) error {
	if k <= 0 {
		return goerr.New("k must be positive", goerr.V("k", k), goerr.T(model.TagQuery))
	}
	if err := scope.Validate(); err != nil {
		return err
	}
	if len(embedding) != dimensions {
		return goerr.New("query embedding dimension mismatch",
			goerr.V("expected", dimensions),
			goerr.V("actual", len(embedding)),
			goerr.T(model.TagQuery))
	}
	return nil
}

// ValidateChunk checks a chunk before it is written
func ValidateChunk(chunk *model.Chunk, dimensions int) error {
	if chunk.MessageID == "" {
		return goerr.New("chunk has no message id", goerr.T(model.TagQuery))
	}
	if chunk.Index < 0 {
		return goerr.New("chunk index must not be negative",
			goerr.V("index", chunk.Index),
			goerr.T(model.TagQuery))
	}
	if len(chunk.Embedding) != dimensions {
		return goerr.New("chunk embedding dimension mismatch",
			goerr.V("expected", dimensions),
			goerr.V("actual", len(chunk.Embedding)),
			goerr.V("message_id", chunk.MessageID),
			goerr.T(model.TagConfiguration))
	}
	return nil
}

// SortScored orders results by ascending distance, then newer chunk first,
// then lower chunk index
func SortScored(results []*model.ScoredChunk) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Distance != b.Distance {
			return a.Distance < b.Distance
		}
		if !a.Chunk.CreatedAt.Equal(b.Chunk.CreatedAt) {
			return a.Chunk.CreatedAt.After(b.Chunk.CreatedAt)
		}
		return a.Chunk.Index < b.Chunk.Index
	})
}

// Persistence wraps a backend error as a persistence error
func Persistence(err error, msg string, opts ...goerr.Option) error {
	opts = append(opts, goerr.T(model.TagPersistence))
	return goerr.Wrap(err, msg, opts...)
}
