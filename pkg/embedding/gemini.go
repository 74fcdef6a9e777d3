package embedding

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/adapter"
)

// Gemini embeds text with a Gemini embedding model
type Gemini struct {
	client     adapter.Gemini
	dimensions int
}

func NewGemini(client adapter.Gemini, dimensions int) *Gemini {
	return &Gemini{client: client, dimensions: dimensions}
}

func (x *Gemini) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := x.client.Embedding(ctx, text, x.dimensions)
	if err != nil {
		return nil, serviceError(err, "gemini embedding failed", goerr.V("length", len(text)))
	}
	if err := checkDimension(vec, x.dimensions); err != nil {
		return nil, err
	}
	return vec, nil
}

func (x *Gemini) Dimensions() int { return x.dimensions }
