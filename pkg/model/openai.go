package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/acapra/semantiq/pkg/tasks"
)

const (
	defaultModel       = "gpt-4o-mini"
	defaultTemperature = 0.3
	defaultMaxTokens   = 1024
)

// OpenAIProvider implements Provider against an OpenAI-compatible
// /v1/chat/completions endpoint (non-streaming).
type OpenAIProvider struct {
	endpoint  string
	apiKeyEnv string
	client    *http.Client
}

// NewOpenAIProvider creates a chat-completion provider.
func NewOpenAIProvider(endpoint, apiKeyEnv string) *OpenAIProvider {
	return &OpenAIProvider{
		endpoint:  endpoint,
		apiKeyEnv: apiKeyEnv,
		client:    &http.Client{Timeout: 60 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// systemPrompt selects the instruction for a task type. Unknown types get
// the general-analysis instruction.
func systemPrompt(taskType tasks.Type) string {
	switch taskType {
	case tasks.TypeSentimentAnalysis:
		return "You are a sentiment analysis engine. Classify the sentiment of the user's text as positive, negative or neutral and explain briefly."
	case tasks.TypeSummarization:
		return "You are a summarization engine. Produce a concise summary of the user's text."
	case tasks.TypeClassification:
		return "You are a text classification engine. Assign the user's text to the most fitting category and explain briefly."
	case tasks.TypeQuestionAnswering:
		return "You are a question answering engine. Answer the user's question accurately and concisely."
	default:
		return "You are a text analysis engine. Analyze the user's text and report the most relevant findings."
	}
}

// Generate implements Provider.
func (p *OpenAIProvider) Generate(ctx context.Context, text string, taskType tasks.Type, params tasks.Params) (string, tasks.Usage, error) {
	modelName := params.Model
	if modelName == "" {
		modelName = defaultModel
	}
	temperature := params.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}
	maxTokens := params.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	body, err := json.Marshal(chatCompletionRequest{
		Model: modelName,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(taskType)},
			{Role: "user", Content: text},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", tasks.Usage{}, fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", tasks.Usage{}, fmt.Errorf("create completion request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+os.Getenv(p.apiKeyEnv))
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", tasks.Usage{}, fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", tasks.Usage{}, fmt.Errorf("read completion response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", tasks.Usage{}, fmt.Errorf("completion request failed: (%d) %s", resp.StatusCode, respBytes)
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(respBytes, &parsed); err != nil {
		return "", tasks.Usage{}, fmt.Errorf("decode completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", tasks.Usage{}, fmt.Errorf("empty completion response choices")
	}

	usage := tasks.Usage{
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		TotalTokens:      parsed.Usage.TotalTokens,
	}
	return parsed.Choices[0].Message.Content, usage, nil
}
