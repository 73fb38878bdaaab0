package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// OpenAIProvider implements Provider against an OpenAI-compatible
// /v1/embeddings endpoint.
type OpenAIProvider struct {
	endpoint   string
	model      string
	apiKeyEnv  string
	dimensions int
	client     *http.Client
}

// NewOpenAIProvider creates an embedding provider. The API key is read from
// the named environment variable on each request so rotation does not
// require a restart.
func NewOpenAIProvider(endpoint, model, apiKeyEnv string, dimensions int) *OpenAIProvider {
	return &OpenAIProvider{
		endpoint:   endpoint,
		model:      model,
		apiKeyEnv:  apiKeyEnv,
		dimensions: dimensions,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Dimensions implements Provider.
func (p *OpenAIProvider) Dimensions() int {
	return p.dimensions
}

type embeddingRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	EncodingFormat string `json:"encoding_format"`
	Dimensions     int    `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed implements Provider.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{
		Model:          p.model,
		Input:          text,
		EncodingFormat: "float",
		Dimensions:     p.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embedding request: %w", err)
	}

	apiKey := os.Getenv(p.apiKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("empty api key from env: %s", p.apiKeyEnv)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding request failed: (%d) %s", resp.StatusCode, respBytes)
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(respBytes, &parsed); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("empty embedding response data")
	}
	return parsed.Data[0].Embedding, nil
}
