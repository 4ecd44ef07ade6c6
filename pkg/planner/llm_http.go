package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPClient speaks the OpenAI-compatible chat completions protocol.
// Any backend exposing that surface works, local or hosted.
type HTTPClient struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

// NewHTTPClient builds a chat client against baseURL. The API key may
// be empty for local backends.
func NewHTTPClient(baseURL, apiKey, model string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
	Seed        int64     `json:"seed,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Chat sends one completion request and returns the first choice.
func (c *HTTPClient) Chat(ctx context.Context, msgs []Message, options *SamplingOptions) (string, error) {
	body := chatRequest{Model: c.model, Messages: msgs}
	if options != nil {
		body.Temperature = options.Temperature
		body.TopP = options.TopP
		body.Seed = options.Seed
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("planner: marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("planner: build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("planner: chat backend returned %d", resp.StatusCode)
	}
	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("planner: decode chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("planner: chat backend returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}
