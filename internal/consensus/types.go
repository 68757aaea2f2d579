package consensus

import "strings"

// Provider identifies an LLM vendor.
type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
	ProviderGoogle     Provider = "google"
	ProviderXAI        Provider = "xai"
	ProviderOpenRouter Provider = "openrouter"
	ProviderDeepSeek   Provider = "deepseek"
	ProviderMistral    Provider = "mistral"
)

// KnownProviders lists every provider the router can talk to.
var KnownProviders = []Provider{
	ProviderOpenAI, ProviderAnthropic, ProviderGoogle, ProviderXAI,
	ProviderOpenRouter, ProviderDeepSeek, ProviderMistral,
}

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	for _, k := range KnownProviders {
		if k == p {
			return true
		}
	}
	return false
}

// InferProvider guesses the provider of a bare model id.
func InferProvider(modelID string) Provider {
	m := strings.ToLower(modelID)
	switch {
	case strings.Contains(m, "/"):
		return ProviderOpenRouter
	case strings.HasPrefix(m, "claude"):
		return ProviderAnthropic
	case strings.HasPrefix(m, "gemini"):
		return ProviderGoogle
	case strings.HasPrefix(m, "grok"):
		return ProviderXAI
	case strings.HasPrefix(m, "deepseek"):
		return ProviderDeepSeek
	case strings.HasPrefix(m, "mistral"), strings.HasPrefix(m, "magistral"):
		return ProviderMistral
	default:
		return ProviderOpenAI
	}
}

// ModelSelection is one caller-chosen model slot. Immutable for a run.
type ModelSelection struct {
	ID       string   `json:"id"`
	Provider Provider `json:"provider"`
	ModelID  string   `json:"modelId"`
	Label    string   `json:"label"`
}

// DisplayLabel falls back to the model id when no label was given.
func (m ModelSelection) DisplayLabel() string {
	if m.Label != "" {
		return m.Label
	}
	return m.ModelID
}

// Credential is a resolved provider secret.
// Shared marks a server-owned preview key rather than the caller's own.
type Credential struct {
	Secret string `json:"-"`
	Shared bool   `json:"shared"`
}

// KeySet maps a provider to its credential. A missing entry means no key.
type KeySet map[Provider]*Credential

// Get returns the credential for p, or nil.
func (k KeySet) Get(p Provider) *Credential {
	if k == nil {
		return nil
	}
	c := k[p]
	if c == nil || c.Secret == "" {
		return nil
	}
	return c
}

// Missing returns the providers among selections without a credential.
func (k KeySet) Missing(providers ...Provider) []Provider {
	var out []Provider
	seen := make(map[Provider]bool)
	for _, p := range providers {
		if seen[p] {
			continue
		}
		seen[p] = true
		if k.Get(p) == nil {
			out = append(out, p)
		}
	}
	return out
}

// UsesShared reports whether any of the given providers resolves to a preview key.
func (k KeySet) UsesShared(providers ...Provider) bool {
	for _, p := range providers {
		if c := k.Get(p); c != nil && c.Shared {
			return true
		}
	}
	return false
}

// SearchTrigger says who asked for a web search.
type SearchTrigger string

const (
	TriggeredByUser  SearchTrigger = "user"
	TriggeredByModel SearchTrigger = "model"
)

// SearchResult is one web-search hit.
type SearchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score,omitempty"`
}

// SearchData is attached to a round when a search ran.
type SearchData struct {
	Query       string         `json:"query"`
	Results     []SearchResult `json:"results"`
	Round       int            `json:"round"`
	TriggeredBy SearchTrigger  `json:"triggeredBy"`
}

// RoundResult is the immutable outcome of one round.
type RoundResult struct {
	Round      int               `json:"round"`
	Responses  map[string]string `json:"responses"`
	Evaluation Evaluation        `json:"evaluation"`
	SearchData *SearchData       `json:"searchData,omitempty"`
	HasError   bool              `json:"hasError"`
}

// ErrorPlaceholder is recorded as the response of a model that failed.
func ErrorPlaceholder(label string) string {
	return "[Error: " + label + " did not respond]"
}
