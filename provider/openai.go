package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	defaultOpenAIBaseURL   = "https://api.openai.com"
	defaultOpenAIModel     = "Qwen/Qwen3-VL-30B-A3B-Instruct"
	defaultOpenAIMaxTokens = 8192
)

// OpenAIConfig holds configuration for an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey     string
	Model      string
	BaseURL    string
	MaxTokens  int
	HTTPClient *http.Client
}

// OpenAIProvider implements Provider using the Chat Completions API with
// image_url content parts.
type OpenAIProvider struct {
	config OpenAIConfig
}

// NewOpenAIProvider creates a new OpenAI provider with the given config.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultOpenAIMaxTokens
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &OpenAIProvider{config: cfg}
}

// NewRetryingClient returns an *http.Client that retries connection errors,
// 429 and 5xx responses with exponential backoff.
func NewRetryingClient(retries int, timeout time.Duration, logger *slog.Logger) *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = retries
	rc.RetryWaitMin = 2 * time.Second
	rc.RetryWaitMax = 30 * time.Second
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil
	if logger != nil {
		rc.Logger = logger
	}
	return rc.StandardClient()
}

func (p *OpenAIProvider) Name() string { return "openai" }

// openaiRequest is the request body for the Chat Completions API.
type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

// openaiMessage content is a plain string for text-only turns and a list
// of parts when images are attached.
type openaiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type openaiPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openaiImageURL `json:"image_url,omitempty"`
}

type openaiImageURL struct {
	URL string `json:"url"`
}

// openaiResponse is the response from the Chat Completions API.
type openaiResponse struct {
	ID      string         `json:"id"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
	Error   *openaiError   `json:"error,omitempty"`
}

type openaiChoice struct {
	Message      openaiReply `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type openaiReply struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openaiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message) (*Response, error) {
	data, err := json.Marshal(p.buildRequest(messages))
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/v1/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai: API error (status %d): %s", resp.StatusCode, truncate(string(body), 512))
	}

	var apiResp openaiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("openai: unmarshal response: %w", err)
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("openai: %s: %s", apiResp.Error.Type, apiResp.Error.Message)
	}
	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("openai: response has no choices")
	}
	choice := apiResp.Choices[0]
	return &Response{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: Usage{
			InputTokens:  apiResp.Usage.PromptTokens,
			OutputTokens: apiResp.Usage.CompletionTokens,
		},
	}, nil
}

func (p *OpenAIProvider) buildRequest(messages []Message) *openaiRequest {
	req := &openaiRequest{
		Model:       p.config.Model,
		MaxTokens:   p.config.MaxTokens,
		Temperature: 0.7,
	}
	for _, msg := range messages {
		if len(msg.Images) == 0 {
			req.Messages = append(req.Messages, openaiMessage{Role: string(msg.Role), Content: msg.Content})
			continue
		}
		parts := make([]openaiPart, 0, 2*len(msg.Images)+1)
		if msg.Content != "" {
			parts = append(parts, openaiPart{Type: "text", Text: msg.Content})
		}
		for _, img := range msg.Images {
			if img.Caption != "" {
				parts = append(parts, openaiPart{Type: "text", Text: img.Caption})
			}
			parts = append(parts, openaiPart{Type: "image_url", ImageURL: &openaiImageURL{URL: DataURL(img)}})
		}
		req.Messages = append(req.Messages, openaiMessage{Role: string(msg.Role), Content: parts})
	}
	return req
}

// DataURL encodes img as a base64 data URL.
func DataURL(img Image) string {
	mime := img.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
