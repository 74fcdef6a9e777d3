package embedding

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/adapter"
	"github.com/m-mizutani/ina/pkg/model"
)

// OpenAI embeds text with OpenAI or Azure OpenAI embedding deployments
type OpenAI struct {
	client     adapter.OpenAI
	dimensions int
}

func NewOpenAI(client adapter.OpenAI, dimensions int) *OpenAI {
	return &OpenAI{client: client, dimensions: dimensions}
}

func (x *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := x.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds several texts in a single request
func (x *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := x.client.Embeddings(ctx, texts, x.dimensions)
	if err != nil {
		return nil, serviceError(err, "openai embedding failed", goerr.V("count", len(texts)))
	}
	if len(vectors) != len(texts) {
		return nil, goerr.New("openai returned unexpected number of embeddings",
			goerr.V("expected", len(texts)),
			goerr.V("actual", len(vectors)),
			goerr.T(model.TagEmbeddingService))
	}
	for _, vec := range vectors {
		if err := checkDimension(vec, x.dimensions); err != nil {
			return nil, err
		}
	}
	return vectors, nil
}

func (x *OpenAI) Dimensions() int { return x.dimensions }
