// Package embedding maps text to fixed-dimension vectors. Every failure of
// a backend is reported as an embedding service error; a vector whose
// length differs from Dimensions is a configuration error.
package embedding

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/model"
)

type Client interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// checkDimension verifies vec against the configured dimension
func checkDimension(vec []float32, dimension int) error {
	if len(vec) != dimension {
		return goerr.New("embedding dimension mismatch",
			goerr.V("expected", dimension),
			goerr.V("actual", len(vec)),
			goerr.T(model.TagConfiguration))
	}
	return nil
}

// serviceError tags err as an embedding service failure unless it already
// carries a taxonomy tag
func serviceError(err error, msg string, opts ...goerr.Option) error {
	if model.IsConfigurationError(err) || model.IsEmbeddingServiceError(err) {
		return goerr.Wrap(err, msg, opts...)
	}
	opts = append(opts, goerr.T(model.TagEmbeddingService))
	return goerr.Wrap(err, msg, opts...)
}
