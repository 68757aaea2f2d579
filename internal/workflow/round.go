package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"go.uber.org/zap"

	"github.com/nidhogg/consensus/internal/consensus"
	"github.com/nidhogg/consensus/internal/evaluator"
	"github.com/nidhogg/consensus/internal/events"
	"github.com/nidhogg/consensus/internal/prompt"
	"github.com/nidhogg/consensus/internal/provider"
	"github.com/nidhogg/consensus/internal/search"
)

// RoundSaver persists a completed round.
type RoundSaver interface {
	SaveRound(ctx context.Context, conversationID string, r consensus.RoundResult) error
}

// RoundInput is everything one round needs. Previous is nil in round 1.
type RoundInput struct {
	ConversationID  string
	Prompt          string
	Models          []consensus.ModelSelection
	Round           int
	MaxRounds       int
	Previous        *consensus.RoundResult
	Keys            consensus.KeySet
	Evaluator       consensus.ModelSelection
	ClassifierModel string
	EnableSearch    bool
	Targeted        bool
}

// RoundExecutor runs one round: search, parallel model calls, evaluation
// and persistence.
type RoundExecutor struct {
	backends  provider.Resolver
	search    *search.Step
	evaluator *evaluator.Evaluator
	saver     RoundSaver
	logger    *zap.Logger
}

// NewRoundExecutor creates a round executor. search may be nil.
func NewRoundExecutor(backends provider.Resolver, searchStep *search.Step, eval *evaluator.Evaluator, saver RoundSaver, logger *zap.Logger) *RoundExecutor {
	return &RoundExecutor{
		backends:  backends,
		search:    searchStep,
		evaluator: eval,
		saver:     saver,
		logger:    logger,
	}
}

// Run executes the round. Model and evaluator failures are absorbed into the
// result; HasError is set only when every model failed. When ctx is done the
// partial result is returned without evaluation or persistence.
func (x *RoundExecutor) Run(ctx context.Context, sink events.Sink, in RoundInput) consensus.RoundResult {
	status := "Refining responses"
	if in.Round == 1 {
		status = "Initial responses"
	}
	sink.Emit(ctx, events.Event{
		Type: events.TypeRoundStatus,
		Data: events.RoundStatusData{RoundNumber: in.Round, MaxRounds: in.MaxRounds, Status: status},
	})

	result := consensus.RoundResult{Round: in.Round}
	result.SearchData = x.search.Run(ctx, sink, x.searchInput(in))

	prompts := RoundPrompts(in.Prompt, in.Models, in.Round, in.Previous, in.Targeted)
	if result.SearchData != nil {
		for id, p := range prompts {
			prompts[id] = prompt.BuildSearchAugmented(p, result.SearchData.Results)
		}
	}

	var (
		mu     sync.Mutex
		failed int
		g      errgroup.Group
	)
	result.Responses = make(map[string]string, len(in.Models))
	for _, sel := range in.Models {
		g.Go(func() error {
			text, err := x.callModel(ctx, sink, in, sel, prompts[sel.ID])
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				result.Responses[sel.ID] = consensus.ErrorPlaceholder(sel.DisplayLabel())
				return nil
			}
			result.Responses[sel.ID] = text
			return nil
		})
	}
	g.Wait()

	// Cancelled calls are not model failures; the controller leaves the
	// round uncommitted and nothing fatal may reach the stream.
	if ctx.Err() != nil {
		return result
	}

	switch {
	case failed == len(in.Models):
		result.HasError = true
		sink.Emit(ctx, events.Event{
			Type: events.TypeError,
			Data: events.ErrorData{Message: "All models failed to respond", Round: in.Round},
		})
		x.logger.Error("all models failed",
			zap.String("conversation", in.ConversationID),
			zap.Int("round", in.Round))
		return result
	case failed > 0:
		sink.Emit(ctx, events.Event{
			Type: events.TypeError,
			Data: events.ErrorData{
				Message: fmt.Sprintf("%d of %d models failed to respond; continuing with the rest", failed, len(in.Models)),
				Round:   in.Round,
				Partial: true,
			},
		})
	}

	sink.Emit(ctx, events.Event{Type: events.TypeEvaluationStart, Round: in.Round})
	judge, err := x.backends.Resolve(in.Evaluator.Provider, in.Evaluator.ModelID, in.Keys)
	if err != nil {
		judge = nil
		x.logger.Warn("evaluator unavailable", zap.String("model", in.Evaluator.ModelID), zap.Error(err))
	}
	result.Evaluation = x.evaluator.Evaluate(ctx, sink, judge, evaluator.Input{
		OriginalPrompt: in.Prompt,
		Responses:      result.Responses,
		Selections:     in.Models,
		Round:          in.Round,
	})
	sink.Emit(ctx, events.Event{Type: events.TypeEvaluationComplete, Round: in.Round})

	if err := x.saver.SaveRound(ctx, in.ConversationID, result); err != nil {
		x.logger.Warn("save round failed",
			zap.String("conversation", in.ConversationID),
			zap.Int("round", in.Round),
			zap.Error(err))
	}
	return result
}

func (x *RoundExecutor) searchInput(in RoundInput) search.Input {
	si := search.Input{Round: in.Round, UserPrompt: in.Prompt, Enabled: in.EnableSearch}
	if in.Previous != nil {
		si.Previous = &in.Previous.Evaluation
	}
	if in.Round == 1 && in.EnableSearch {
		model := in.ClassifierModel
		if model == "" {
			model = in.Evaluator.ModelID
		}
		if b, err := x.backends.Resolve(in.Evaluator.Provider, model, in.Keys); err == nil {
			si.Classifier = b
		}
	}
	return si
}

// callModel streams one model's answer, emitting the cumulative text after
// every fragment.
func (x *RoundExecutor) callModel(ctx context.Context, sink events.Sink, in RoundInput, sel consensus.ModelSelection, text string) (string, error) {
	label := sel.DisplayLabel()
	fail := func(err error) (string, error) {
		if ctx.Err() != nil {
			x.logger.Debug("model call cancelled",
				zap.String("conversation", in.ConversationID),
				zap.Int("round", in.Round),
				zap.String("model", sel.ModelID))
			return "", ctx.Err()
		}
		kind := provider.Classify(err)
		x.logger.Warn("model failed",
			zap.String("conversation", in.ConversationID),
			zap.Int("round", in.Round),
			zap.String("model", sel.ModelID),
			zap.String("kind", string(kind)),
			zap.Error(err))
		sink.Emit(ctx, events.Event{
			Type: events.TypeModelError,
			Data: events.ModelData{
				ModelID:    sel.ID,
				ModelLabel: label,
				Error:      err.Error(),
				ErrorType:  string(kind),
				Round:      in.Round,
			},
		})
		return "", err
	}

	backend, err := x.backends.Resolve(sel.Provider, sel.ModelID, in.Keys)
	if err != nil {
		return fail(err)
	}
	ch, err := backend.Generate(ctx, provider.UserPrompt(text))
	if err != nil {
		return fail(err)
	}

	var sb strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			return fail(chunk.Err)
		}
		if chunk.Content == "" {
			continue
		}
		sb.WriteString(chunk.Content)
		sink.Emit(ctx, events.Event{
			Type: events.TypeModelResponse,
			Data: events.ModelData{ModelID: sel.ID, ModelLabel: label, Content: sb.String(), Round: in.Round},
		})
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	sink.Emit(ctx, events.Event{
		Type: events.TypeModelComplete,
		Data: events.ModelData{ModelID: sel.ID, ModelLabel: label, Round: in.Round},
	})
	return sb.String(), nil
}

// RoundPrompts builds every model's base prompt for a round, before any
// search context is layered on.
func RoundPrompts(userPrompt string, models []consensus.ModelSelection, round int, previous *consensus.RoundResult, targeted bool) map[string]string {
	prompts := make(map[string]string, len(models))
	for _, sel := range models {
		if round == 1 || previous == nil {
			prompts[sel.ID] = prompt.BuildInitial(userPrompt)
			continue
		}
		in := prompt.RefinementInput{
			OriginalPrompt: userPrompt,
			SelfID:         sel.ID,
			SelfLabel:      sel.DisplayLabel(),
			Responses:      previous.Responses,
			Selections:     models,
			NextRound:      round,
		}
		if targeted {
			eval := previous.Evaluation
			in.PriorEvaluation = &eval
		}
		prompts[sel.ID] = prompt.BuildRefinement(in)
	}
	return prompts
}
