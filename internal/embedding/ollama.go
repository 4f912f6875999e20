package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// OllamaClient generates text embeddings via the Ollama API.
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewOllamaClient(baseURL, model string) *OllamaClient {
	return &OllamaClient{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed generates an embedding vector for the given text.
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	data, err := json.Marshal(embedRequest{Model: c.model, Input: text})
	if err != nil {
		return nil, goerr.Wrap(err, "marshal embed request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embed", bytes.NewReader(data))
	if err != nil {
		return nil, goerr.Wrap(err, "build embed request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, goerr.Wrap(err, "ollama embed", goerr.V("model", c.model))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, goerr.Wrap(err, "read embed response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, goerr.New("ollama embed failed",
			goerr.V("status", resp.StatusCode), goerr.V("body", string(body)))
	}

	var result embedResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, goerr.Wrap(err, "decode embed response")
	}

	if len(result.Embeddings) == 0 {
		return nil, goerr.New("ollama returned no embeddings", goerr.V("model", c.model))
	}

	return result.Embeddings[0], nil
}

// HealthCheck verifies Ollama is reachable.
func (c *OllamaClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return goerr.Wrap(err, "build health request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return goerr.Wrap(err, "ollama health check")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return goerr.New("ollama health check failed", goerr.V("status", resp.StatusCode))
	}
	return nil
}
