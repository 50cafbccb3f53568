// Package llmclient talks to an OpenAI-compatible chat completions endpoint
// to translate one chunk at a time.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Message is one entry of the chat completions messages array.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TranslateRequest carries everything the client needs to build a prompt.
type TranslateRequest struct {
	SystemInstruction string
	PriorContext      string
	SourceText        string
}

// TranslateResponse is the translated text plus the usage the provider
// reported for the call.
type TranslateResponse struct {
	Text         string
	InputTokens  int
	OutputTokens int
	ModelID      string
}

// StatusError wraps a non-2xx HTTP response so callers can classify it
// (429 and 5xx are retryable, other 4xx are not).
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm request failed (status %d): %s", e.StatusCode, e.Body)
}

// Client is implemented by every LLM backend; OpenAICompatClient is the only
// one shipped, but tests substitute fakes.
type Client interface {
	Translate(ctx context.Context, req TranslateRequest) (TranslateResponse, error)
	HealthCheck(ctx context.Context) bool
}

// OpenAICompatClient speaks the OpenAI chat completions wire format over
// plain HTTP, suitable for LM Studio, vLLM, or any compatible gateway.
type OpenAICompatClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewOpenAICompatClient(baseURL, model string, timeout float64) *OpenAICompatClient {
	return &OpenAICompatClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: time.Duration(timeout * float64(time.Second)),
		},
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type chatChoice struct {
	Message Message `json:"message"`
}

type chatResponse struct {
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   usage        `json:"usage"`
}

func (c *OpenAICompatClient) Translate(ctx context.Context, req TranslateRequest) (TranslateResponse, error) {
	messages := []Message{{Role: "system", Content: req.SystemInstruction}}
	if req.PriorContext != "" {
		messages = append(messages, Message{
			Role:    "system",
			Content: "Context carried over from the previous chunk:\n" + req.PriorContext,
		})
	}
	messages = append(messages, Message{Role: "user", Content: req.SourceText})

	payload, err := json.Marshal(chatRequest{Model: c.model, Messages: messages, Temperature: 0.2})
	if err != nil {
		return TranslateResponse{}, fmt.Errorf("encode translate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return TranslateResponse{}, fmt.Errorf("build translate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return TranslateResponse{}, fmt.Errorf("translate request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return TranslateResponse{}, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return TranslateResponse{}, fmt.Errorf("decode translate response: %w", err)
	}
	if len(result.Choices) == 0 {
		return TranslateResponse{}, fmt.Errorf("translate response had no choices")
	}

	return TranslateResponse{
		Text:         result.Choices[0].Message.Content,
		InputTokens:  result.Usage.PromptTokens,
		OutputTokens: result.Usage.CompletionTokens,
		ModelID:      result.Model,
	}, nil
}

// HealthCheck reports whether the backend's model listing endpoint answers.
func (c *OpenAICompatClient) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
