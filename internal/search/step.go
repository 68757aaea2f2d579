package search

import (
	"context"
	"strings"

	"github.com/nidhogg/consensus/internal/consensus"
	"github.com/nidhogg/consensus/internal/events"
	"github.com/nidhogg/consensus/internal/prompt"
	"github.com/nidhogg/consensus/internal/provider"
	"go.uber.org/zap"
)

// Searcher runs a web query. Client is the production implementation.
type Searcher interface {
	Search(ctx context.Context, query string) ([]consensus.SearchResult, error)
}

// Step decides whether a round searches and runs at most one search.
type Step struct {
	searcher Searcher
	logger   *zap.Logger
}

// NewStep creates the sub-step. A nil searcher disables search entirely.
func NewStep(searcher Searcher, logger *zap.Logger) *Step {
	return &Step{searcher: searcher, logger: logger}
}

// Input is what one round knows when deciding to search.
type Input struct {
	Round      int
	UserPrompt string
	Enabled    bool
	// Previous is the evaluation of round-1; nil in round 1.
	Previous *consensus.Evaluation
	// Classifier is the lightweight model asked whether round 1 needs the web.
	Classifier provider.Backend
}

// Run returns the round's search data, or nil when no search ran or it failed.
// Failures are reported on sink and never abort the round.
func (s *Step) Run(ctx context.Context, sink events.Sink, in Input) *consensus.SearchData {
	if s == nil || s.searcher == nil || !in.Enabled {
		return nil
	}

	query, trigger := s.decide(ctx, in)
	if query == "" {
		return nil
	}

	sink.Emit(ctx, events.Event{Type: events.TypeSearchStart, Data: events.SearchData{Query: query, Round: in.Round}})

	results, err := s.searcher.Search(ctx, query)
	if err != nil {
		s.logger.Warn("search failed", zap.Int("round", in.Round), zap.String("query", query), zap.Error(err))
		sink.Emit(ctx, events.Event{Type: events.TypeSearchError, Data: events.SearchData{Query: query, Round: in.Round, Error: err.Error()}})
		return nil
	}

	sink.Emit(ctx, events.Event{Type: events.TypeSearchComplete, Data: events.SearchData{Query: query, Round: in.Round, ResultCount: len(results)}})
	return &consensus.SearchData{Query: query, Results: results, Round: in.Round, TriggeredBy: trigger}
}

func (s *Step) decide(ctx context.Context, in Input) (string, consensus.SearchTrigger) {
	if in.Round > 1 {
		if in.Previous != nil && in.Previous.NeedsMoreInfo {
			return strings.TrimSpace(in.Previous.SuggestedSearchQuery), consensus.TriggeredByModel
		}
		return "", ""
	}

	if in.Classifier == nil {
		return "", ""
	}
	answer, err := provider.Collect(ctx, in.Classifier, classifierRequest(prompt.NeedsSearch(in.UserPrompt)))
	if err != nil {
		s.logger.Warn("search classifier failed", zap.Error(err))
		return "", ""
	}
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "yes") {
		return "", ""
	}

	query, err := provider.Collect(ctx, in.Classifier, classifierRequest(prompt.SearchQuery(in.UserPrompt)))
	if err != nil {
		s.logger.Warn("search query generation failed", zap.Error(err))
		return "", ""
	}
	return cleanQuery(query), consensus.TriggeredByUser
}

func classifierRequest(text string) *provider.ChatRequest {
	req := provider.UserPrompt(text)
	req.MaxTokens = 64
	return req
}

// cleanQuery keeps the first line, strips quotes and caps it at 8 words.
func cleanQuery(q string) string {
	q = strings.TrimSpace(q)
	if i := strings.IndexByte(q, '\n'); i >= 0 {
		q = q[:i]
	}
	q = strings.Trim(q, "\"'` ")
	words := strings.Fields(q)
	if len(words) > 8 {
		words = words[:8]
	}
	return strings.Join(words, " ")
}
