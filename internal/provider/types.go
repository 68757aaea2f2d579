package provider

import (
	"context"
	"time"
)

// Provider is a vendor API that streams chat completions.
type Provider interface {
	ChatStream(ctx context.Context, req *ChatRequest) (<-chan *StreamChunk, error)
}

// ChatRequest represents a request to an LLM provider.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	// JSONOutput asks for a bare JSON object where the provider supports it.
	JSONOutput bool `json:"-"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamChunk represents a streaming response chunk.
// A chunk with Err set is the last one on the channel.
type StreamChunk struct {
	Content      string `json:"content,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Done         bool   `json:"done"`
	Err          error  `json:"-"`
}

// ProviderConfig holds configuration for a provider instance.
// ID names the provider in errors and logs.
type ProviderConfig struct {
	ID       string        `json:"id"`
	Endpoint string        `json:"endpoint"`
	APIKey   string        `json:"-"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}
