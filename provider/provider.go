// Package provider defines the vision-language model interface used to
// transcribe chapter images into narration.
package provider

import (
	"context"
	"fmt"
	"net/http"
)

// Role identifies the sender of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Image is an inline image attached to a message. A non-empty Caption is
// sent as a text part right before the image.
type Image struct {
	MIMEType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
	Data     []byte `json:"-"`
}

// Message is a single turn in a conversation.
type Message struct {
	Role    Role    `json:"role"`
	Content string  `json:"content"`
	Images  []Image `json:"images,omitempty"`
}

// Response is a completed provider response.
type Response struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Provider is a chat backend able to read images.
type Provider interface {
	// Name returns the provider identifier (e.g., "openai", "anthropic").
	Name() string

	// Chat sends a request and returns the complete response.
	Chat(ctx context.Context, messages []Message) (*Response, error)
}

// Config selects and configures a backend for New.
type Config struct {
	Name       string // "openai" or "anthropic"
	APIKey     string
	Model      string
	BaseURL    string
	MaxTokens  int
	HTTPClient *http.Client
}

// New returns the backend named by cfg.Name.
func New(cfg Config) (Provider, error) {
	switch cfg.Name {
	case "", "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			MaxTokens:  cfg.MaxTokens,
			HTTPClient: cfg.HTTPClient,
		}), nil
	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			MaxTokens:  cfg.MaxTokens,
			HTTPClient: cfg.HTTPClient,
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
}
