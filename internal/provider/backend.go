package provider

import (
	"context"
	"strings"

	"github.com/nidhogg/consensus/internal/consensus"
)

// Backend is one provider/model pair ready to generate text.
type Backend interface {
	Model() string
	Generate(ctx context.Context, req *ChatRequest) (<-chan *StreamChunk, error)
}

// Resolver maps a provider and model id onto a backend using the caller's keys.
// Registry is the production implementation.
type Resolver interface {
	Resolve(p consensus.Provider, modelID string, keys consensus.KeySet) (Backend, error)
}

type modelBackend struct {
	provider Provider
	model    string
}

// NewBackend binds a provider to a model id.
func NewBackend(p Provider, model string) Backend {
	return &modelBackend{provider: p, model: model}
}

func (b *modelBackend) Model() string { return b.model }

func (b *modelBackend) Generate(ctx context.Context, req *ChatRequest) (<-chan *StreamChunk, error) {
	r := *req
	r.Model = b.model
	return b.provider.ChatStream(ctx, &r)
}

// UserPrompt wraps a single user prompt in a request.
func UserPrompt(prompt string) *ChatRequest {
	return &ChatRequest{
		Messages:  []Message{{Role: "user", Content: prompt}},
		MaxTokens: 4096,
	}
}

// Collect drains a generation into one string.
func Collect(ctx context.Context, b Backend, req *ChatRequest) (string, error) {
	ch, err := b.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			return sb.String(), chunk.Err
		}
		sb.WriteString(chunk.Content)
	}
	if err := ctx.Err(); err != nil {
		return sb.String(), err
	}
	return sb.String(), nil
}
