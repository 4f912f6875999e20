package embedding

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIClient generates embeddings with the OpenAI embeddings endpoint,
// requesting vectors of the configured width.
type OpenAIClient struct {
	client openai.Client
	model  string
	dim    int
}

func NewOpenAIClient(apiKey, baseURL, model string, dim int) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{
		client: openai.NewClient(opts...),
		model:  model,
		dim:    dim,
	}
}

func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input:      openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model:      openai.EmbeddingModel(c.model),
		Dimensions: openai.Int(int64(c.dim)),
	})
	if err != nil {
		return nil, goerr.Wrap(err, "openai embed", goerr.V("model", c.model))
	}
	if len(resp.Data) == 0 {
		return nil, goerr.New("openai returned no embeddings", goerr.V("model", c.model))
	}

	src := resp.Data[0].Embedding
	vec := make([]float32, len(src))
	for i, f := range src {
		vec[i] = float32(f)
	}
	return vec, nil
}

// HealthCheck verifies the configured model is reachable.
func (c *OpenAIClient) HealthCheck(ctx context.Context) error {
	if _, err := c.client.Models.Get(ctx, c.model); err != nil {
		return goerr.Wrap(err, "openai health check", goerr.V("model", c.model))
	}
	return nil
}
