package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"vibeslop/pkg/clients"
)

type OpenAIProvider struct {
	client    *http.Client
	executor  failsafe.Executor[*http.Response]
	apiKey    string
	apiURL    string
	model     string
	maxTokens int
}

func NewOpenAIProvider(cfg Config) *OpenAIProvider {
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		client:    &http.Client{Timeout: 60 * time.Second, Transport: clients.DefaultTransport()},
		executor:  newExecutor(),
		apiKey:    cfg.APIKey,
		apiURL:    apiURL,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
}

func (p *OpenAIProvider) Complete(ctx context.Context, messages []Message) (Stream, error) {
	if p.model == "" {
		return nil, errors.New("openai model is required")
	}
	reqBody := openAIRequest{
		Model:     p.model,
		Messages:  messages,
		Stream:    true,
		MaxTokens: p.maxTokens,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	resp, err := doWithRetry(ctx, p.client, p.executor, func() (*http.Request, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL+"/chat/completions", bytes.NewReader(payload))
		if reqErr != nil {
			return nil, fmt.Errorf("openai: create request: %w", reqErr)
		}
		req.Header.Set("Content-Type", "application/json")
		if p.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+p.apiKey)
		}
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	if err := checkStatus("openai", resp); err != nil {
		return nil, err
	}
	return newSSEStream(resp, decodeOpenAIChunk), nil
}

type openAIRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	Stream    bool      `json:"stream"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

type openAIStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			Role    string `json:"role"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

func decodeOpenAIChunk(data []byte) (Chunk, error) {
	var payload openAIStreamResponse
	if err := json.Unmarshal(data, &payload); err != nil {
		return Chunk{}, fmt.Errorf("openai: decode chunk: %w", err)
	}
	if len(payload.Choices) == 0 {
		return Chunk{}, nil
	}
	return Chunk{Content: payload.Choices[0].Delta.Content}, nil
}
