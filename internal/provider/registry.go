package provider

import (
	"fmt"
	"sync"

	"github.com/nidhogg/consensus/internal/consensus"
	"go.uber.org/zap"
)

// defaultEndpoints are the OpenAI-compatible base URLs of each vendor.
var defaultEndpoints = map[consensus.Provider]string{
	consensus.ProviderOpenAI:     "https://api.openai.com/v1",
	consensus.ProviderAnthropic:  "https://api.anthropic.com/v1",
	consensus.ProviderGoogle:     "https://generativelanguage.googleapis.com/v1beta/openai",
	consensus.ProviderXAI:        "https://api.x.ai/v1",
	consensus.ProviderOpenRouter: "https://openrouter.ai/api/v1",
	consensus.ProviderDeepSeek:   "https://api.deepseek.com/v1",
	consensus.ProviderMistral:    "https://api.mistral.ai/v1",
}

// Registry is the routing table from (provider, model id, credentials) to a
// callable Backend.
type Registry struct {
	configs map[consensus.Provider]ProviderConfig
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewRegistry creates a registry with every known provider on its default endpoint.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		configs: make(map[consensus.Provider]ProviderConfig),
		logger:  logger,
	}
	for p, endpoint := range defaultEndpoints {
		r.configs[p] = ProviderConfig{ID: string(p), Endpoint: endpoint}
	}
	return r
}

// Configure overrides a provider's endpoint or timeout.
func (r *Registry) Configure(p consensus.Provider, cfg ProviderConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	base := r.configs[p]
	if cfg.Endpoint != "" {
		base.Endpoint = cfg.Endpoint
	}
	if cfg.Timeout != 0 {
		base.Timeout = cfg.Timeout
	}
	base.ID = string(p)
	r.configs[p] = base
	r.logger.Info("configured provider", zap.String("id", base.ID), zap.String("endpoint", base.Endpoint))
}

// Resolve returns a backend for modelID on provider p, or ErrUnavailable
// when the provider is unknown or no credential is present.
func (r *Registry) Resolve(p consensus.Provider, modelID string, keys consensus.KeySet) (Backend, error) {
	r.mu.RLock()
	cfg, ok := r.configs[p]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", p, ErrUnavailable)
	}
	cred := keys.Get(p)
	if cred == nil {
		return nil, fmt.Errorf("no credential for %s: %w", p, ErrUnavailable)
	}
	if modelID == "" {
		return nil, fmt.Errorf("empty model id for %s: %w", p, ErrUnavailable)
	}
	cfg.APIKey = cred.Secret

	var prov Provider
	switch p {
	case consensus.ProviderAnthropic:
		prov = NewAnthropicProvider(cfg, r.logger)
	default:
		prov = NewOpenAIProvider(cfg, r.logger)
	}
	return NewBackend(prov, modelID), nil
}
