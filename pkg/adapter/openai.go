package adapter

import (
	"context"
	"sort"

	"github.com/m-mizutani/goerr/v2"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAI is the embedding surface of OpenAI compatible services
type OpenAI interface {
	Embeddings(ctx context.Context, texts []string, dimension int) ([][]float32, error)
}

type OpenAIClient struct {
	client         *openai.Client
	embeddingModel string
}

type OpenAIOption func(*openAIConfig)

type openAIConfig struct {
	baseURL        string
	azure          bool
	apiVersion     string
	embeddingModel string
}

// WithOpenAIBaseURL points the client to a non default endpoint
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(c *openAIConfig) {
		c.baseURL = url
	}
}

// WithAzure switches to Azure OpenAI. url is the resource endpoint and the
// embedding model name is used as deployment name.
func WithAzure(url, apiVersion string) OpenAIOption {
	return func(c *openAIConfig) {
		c.azure = true
		c.baseURL = url
		c.apiVersion = apiVersion
	}
}

func WithOpenAIEmbeddingModel(model string) OpenAIOption {
	return func(c *openAIConfig) {
		c.embeddingModel = model
	}
}

func NewOpenAI(apiKey string, opts ...OpenAIOption) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, goerr.New("openai api key is required")
	}

	cfg := &openAIConfig{
		embeddingModel: string(openai.LargeEmbedding3),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	var clientCfg openai.ClientConfig
	if cfg.azure {
		if cfg.baseURL == "" {
			return nil, goerr.New("azure endpoint is required")
		}
		clientCfg = openai.DefaultAzureConfig(apiKey, cfg.baseURL)
		if cfg.apiVersion != "" {
			clientCfg.APIVersion = cfg.apiVersion
		}
		deployment := cfg.embeddingModel
		clientCfg.AzureModelMapperFunc = func(model string) string {
			return deployment
		}
	} else {
		clientCfg = openai.DefaultConfig(apiKey)
		if cfg.baseURL != "" {
			clientCfg.BaseURL = cfg.baseURL
		}
	}

	return &OpenAIClient{
		client:         openai.NewClientWithConfig(clientCfg),
		embeddingModel: cfg.embeddingModel,
	}, nil
}

// Embeddings embeds texts in one request. The result is in the order of texts.
func (c *OpenAIClient) Embeddings(ctx context.Context, texts []string, dimension int) ([][]float32, error) {
	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(c.embeddingModel),
	}
	if dimension > 0 {
		req.Dimensions = dimension
	}

	resp, err := c.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create embeddings",
			goerr.V("model", c.embeddingModel),
			goerr.V("count", len(texts)))
	}
	if len(resp.Data) != len(texts) {
		return nil, goerr.New("unexpected number of embeddings",
			goerr.V("expected", len(texts)),
			goerr.V("actual", len(resp.Data)))
	}

	sort.Slice(resp.Data, func(i, j int) bool {
		return resp.Data[i].Index < resp.Data[j].Index
	})

	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}
