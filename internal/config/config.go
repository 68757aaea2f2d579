package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/nidhogg/consensus/internal/consensus"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Providers []ProviderConfig `json:"providers"`
	Database  DatabaseConfig   `json:"database"`
	Search    SearchConfig     `json:"search"`
	Workflow  WorkflowConfig   `json:"workflow"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ProviderConfig struct {
	Type           string `json:"type"`
	Endpoint       string `json:"endpoint"`
	PreviewAPIKey  string `json:"preview_api_key"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn"`
	MigrationsDir string `json:"migrations_dir"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type SearchConfig struct {
	Endpoint        string `json:"endpoint"`
	APIKey          string `json:"api_key"`
	MaxResults      int    `json:"max_results"`
	SearchDepth     string `json:"search_depth"`
	ClassifierModel string `json:"classifier_model"`
}

type WorkflowConfig struct {
	MaxRounds          int    `json:"max_rounds"`
	ConsensusThreshold int    `json:"consensus_threshold"`
	TimeBudgetSeconds  int    `json:"time_budget_seconds"`
	DefaultEvaluator   string `json:"default_evaluator"`
	TargetedRefinement *bool  `json:"targeted_refinement"`
	ResumeOnStart      bool   `json:"resume_on_start"`
	MaxAllowedRounds   int    `json:"max_allowed_rounds"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Default returns a config with every default applied and no providers.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Database.Postgres.MigrationsDir == "" {
		c.Database.Postgres.MigrationsDir = "migrations"
	}
	if c.Search.MaxResults == 0 {
		c.Search.MaxResults = 5
	}
	if c.Search.SearchDepth == "" {
		c.Search.SearchDepth = "basic"
	}
	w := &c.Workflow
	if w.MaxRounds == 0 {
		w.MaxRounds = 3
	}
	if w.ConsensusThreshold == 0 {
		w.ConsensusThreshold = 80
	}
	if w.TimeBudgetSeconds == 0 {
		w.TimeBudgetSeconds = 800
	}
	if w.MaxAllowedRounds == 0 {
		w.MaxAllowedRounds = 10
	}
	if w.TargetedRefinement == nil {
		on := true
		w.TargetedRefinement = &on
	}
	for i := range c.Providers {
		if c.Providers[i].TimeoutSeconds == 0 {
			c.Providers[i].TimeoutSeconds = 120
		}
	}
}

// Validate checks values that would otherwise fail at request time.
func (c *Config) Validate() error {
	for _, p := range c.Providers {
		if !consensus.Provider(p.Type).Valid() {
			return fmt.Errorf("unknown provider type %q", p.Type)
		}
	}
	w := c.Workflow
	if w.ConsensusThreshold < 0 || w.ConsensusThreshold > 100 {
		return fmt.Errorf("workflow.consensus_threshold must be 0-100, got %d", w.ConsensusThreshold)
	}
	if w.MaxRounds < 1 || w.MaxRounds > w.MaxAllowedRounds {
		return fmt.Errorf("workflow.max_rounds must be 1-%d, got %d", w.MaxAllowedRounds, w.MaxRounds)
	}
	if w.DefaultEvaluator != "" {
		if _, err := ParseModelRef(w.DefaultEvaluator); err != nil {
			return fmt.Errorf("workflow.default_evaluator: %w", err)
		}
	}
	return nil
}

// Targeted reports the configured refinement mode.
func (w WorkflowConfig) Targeted() bool {
	return w.TargetedRefinement == nil || *w.TargetedRefinement
}

// PreviewKeys returns the server-owned keys by provider.
func (c *Config) PreviewKeys() map[consensus.Provider]string {
	keys := make(map[consensus.Provider]string)
	for _, p := range c.Providers {
		if p.PreviewAPIKey != "" {
			keys[consensus.Provider(p.Type)] = p.PreviewAPIKey
		}
	}
	return keys
}

// ModelRef names a model as "provider:model". A bare model id infers the provider.
type ModelRef struct {
	Provider consensus.Provider
	ModelID  string
}

// ParseModelRef parses "provider:model" or a bare model id.
func ParseModelRef(s string) (ModelRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ModelRef{}, fmt.Errorf("empty model reference")
	}
	if p, model, ok := strings.Cut(s, ":"); ok && consensus.Provider(p).Valid() {
		if model == "" {
			return ModelRef{}, fmt.Errorf("model reference %q has no model id", s)
		}
		return ModelRef{Provider: consensus.Provider(p), ModelID: model}, nil
	}
	return ModelRef{Provider: consensus.InferProvider(s), ModelID: s}, nil
}

func (m ModelRef) String() string {
	return string(m.Provider) + ":" + m.ModelID
}
