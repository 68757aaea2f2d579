package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"go.uber.org/zap"

	"github.com/nidhogg/consensus/internal/consensus"
	"github.com/nidhogg/consensus/internal/events"
	"github.com/nidhogg/consensus/internal/lease"
	"github.com/nidhogg/consensus/internal/prompt"
	"github.com/nidhogg/consensus/internal/provider"
)

// Store is the persistence the controller needs: the conversation record,
// checkpoints and the preview usage counter.
type Store interface {
	RoundSaver
	CreateConversation(ctx context.Context, userID, prompt string, maxRounds, threshold int) (string, error)
	UpdateResult(ctx context.Context, conversationID, synthesis string, score, roundsCompleted int) error
	FailConversation(ctx context.Context, conversationID, message string) error
	SaveCheckpoint(ctx context.Context, conversationID, phase string, state []byte) error
	LoadCheckpoint(ctx context.Context, conversationID string) ([]byte, error)
	ListIncomplete(ctx context.Context) ([]string, error)
	IncrementUsage(ctx context.Context, userID string) (int, error)
}

// KeySource resolves a caller's credentials. They are looked up again on
// every run so they never enter a checkpoint.
type KeySource interface {
	KeySet(ctx context.Context, userID string) (consensus.KeySet, error)
}

// Defaults fill request fields the caller left out.
type Defaults struct {
	MaxRounds          int
	MaxAllowedRounds   int
	ConsensusThreshold int
	Evaluator          consensus.ModelSelection
	ClassifierModel    string
	TargetedRefinement bool
	TimeBudget         time.Duration
}

// Controller drives conversations through their phases, checkpointing after
// every transition so Run can pick up where a killed process stopped.
type Controller struct {
	store    Store
	keys     KeySource
	backends provider.Resolver
	rounds   *RoundExecutor
	opener   events.Opener
	locker   lease.Locker
	defaults Defaults
	now      func() time.Time
	logger   *zap.Logger
}

// NewController wires a controller.
func NewController(store Store, keys KeySource, backends provider.Resolver, rounds *RoundExecutor,
	opener events.Opener, locker lease.Locker, defaults Defaults, logger *zap.Logger) *Controller {
	if defaults.MaxRounds == 0 {
		defaults.MaxRounds = 3
	}
	if defaults.ConsensusThreshold == 0 {
		defaults.ConsensusThreshold = 80
	}
	if defaults.TimeBudget == 0 {
		defaults.TimeBudget = DefaultTimeBudget
	}
	return &Controller{
		store:    store,
		keys:     keys,
		backends: backends,
		rounds:   rounds,
		opener:   opener,
		locker:   locker,
		defaults: defaults,
		now:      time.Now,
		logger:   logger,
	}
}

// Start validates req, creates the conversation and commits the initial
// checkpoint. Missing credentials are reported here, before any event.
func (c *Controller) Start(ctx context.Context, req Request) (*State, error) {
	if err := req.Validate(c.defaults.MaxAllowedRounds); err != nil {
		return nil, err
	}

	st := &State{
		UserID:             req.UserID,
		Prompt:             req.Prompt,
		Models:             make([]consensus.ModelSelection, len(req.Models)),
		MaxRounds:          req.MaxRounds,
		ConsensusThreshold: c.defaults.ConsensusThreshold,
		EnableSearch:       req.EnableSearch,
		TargetedRefinement: c.defaults.TargetedRefinement,
		Phase:              PhaseStarting,
		CurrentRound:       1,
		StartTime:          c.now(),
	}
	copy(st.Models, req.Models)
	for i := range st.Models {
		if st.Models[i].Provider == "" {
			st.Models[i].Provider = consensus.InferProvider(st.Models[i].ModelID)
		}
	}
	if st.MaxRounds == 0 {
		st.MaxRounds = c.defaults.MaxRounds
	}
	if req.ConsensusThreshold != nil {
		st.ConsensusThreshold = *req.ConsensusThreshold
	}
	if req.TargetedRefinement != nil {
		st.TargetedRefinement = *req.TargetedRefinement
	}

	keys, err := c.keys.KeySet(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	evaluator, err := c.evaluatorFor(req.EvaluatorModel, st.Models, keys)
	if err != nil {
		return nil, err
	}
	st.Evaluator = evaluator

	if missing := keys.Missing(st.providers()...); len(missing) > 0 {
		return nil, &MissingKeysError{Providers: missing}
	}
	st.Preview = keys.UsesShared(st.providers()...)

	id, err := c.store.CreateConversation(ctx, st.UserID, st.Prompt, st.MaxRounds, st.ConsensusThreshold)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	st.ConversationID = id
	if err := c.checkpoint(ctx, st); err != nil {
		return nil, err
	}

	c.logger.Info("conversation started",
		zap.String("conversation", id),
		zap.Int("models", len(st.Models)),
		zap.Int("max_rounds", st.MaxRounds),
		zap.Bool("preview", st.Preview))
	return st, nil
}

// evaluatorFor picks the evaluator: the request's, then the configured
// default when the caller can use it, then the first selected model.
func (c *Controller) evaluatorFor(ref string, models []consensus.ModelSelection, keys consensus.KeySet) (consensus.ModelSelection, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		if d := c.defaults.Evaluator; d.ModelID != "" && keys.Get(d.Provider) != nil {
			return d, nil
		}
		m := models[0]
		return consensus.ModelSelection{ID: "evaluator", Provider: m.Provider, ModelID: m.ModelID, Label: m.Label}, nil
	}
	sel := consensus.ModelSelection{ID: "evaluator", ModelID: ref}
	if p, model, ok := strings.Cut(ref, ":"); ok && consensus.Provider(p).Valid() {
		sel.Provider, sel.ModelID = consensus.Provider(p), model
	} else {
		sel.Provider = consensus.InferProvider(ref)
	}
	if sel.ModelID == "" {
		return sel, fmt.Errorf("%w: evaluatorModel %q has no model id", ErrInvalidRequest, ref)
	}
	return sel, nil
}

// Load returns the last committed state of a conversation.
func (c *Controller) Load(ctx context.Context, conversationID string) (*State, error) {
	data, err := c.store.LoadCheckpoint(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", conversationID, err)
	}
	return &st, nil
}

// Run advances a conversation from its last checkpoint until it completes
// or fails. Only one Run per conversation may be active at a time.
func (c *Controller) Run(ctx context.Context, conversationID string) error {
	release, err := c.locker.Acquire(ctx, conversationID)
	if err != nil {
		return err
	}
	defer release()

	st, err := c.Load(ctx, conversationID)
	if err != nil {
		return err
	}
	if st.Phase.Terminal() {
		return ErrAlreadyComplete
	}

	keys, err := c.keys.KeySet(ctx, st.UserID)
	if err != nil {
		return fmt.Errorf("resolve keys: %w", err)
	}

	log := c.logger.With(zap.String("conversation", conversationID))
	log.Info("workflow running", zap.String("phase", string(st.Phase)), zap.Int("round", st.CurrentRound))

	for !st.Phase.Terminal() {
		var err error
		switch st.Phase {
		case PhaseStarting:
			err = c.start(ctx, st)
		case PhaseRounds:
			err = c.round(ctx, st, keys)
		case PhaseSynthesis:
			err = c.synthesize(ctx, st, keys)
		case PhaseProgression:
			err = c.summarizeProgression(ctx, st, keys)
		case PhaseFinalizing:
			err = c.finalize(ctx, st)
		default:
			err = fmt.Errorf("unknown phase %q", st.Phase)
		}
		if err != nil {
			log.Warn("workflow interrupted", zap.String("phase", string(st.Phase)), zap.Error(err))
			return err
		}
	}

	log.Info("workflow finished", zap.String("phase", string(st.Phase)), zap.Int("rounds", len(st.Rounds)))
	return nil
}

// ResumeIncomplete runs every unfinished conversation, a few at a time.
func (c *Controller) ResumeIncomplete(ctx context.Context) error {
	ids, err := c.store.ListIncomplete(ctx)
	if err != nil {
		return err
	}
	c.logger.Info("resuming incomplete conversations", zap.Int("count", len(ids)))

	var g errgroup.Group
	g.SetLimit(4)
	for _, id := range ids {
		g.Go(func() error {
			if err := c.Run(ctx, id); err != nil && !errors.Is(err, lease.ErrHeld) {
				c.logger.Warn("resume failed", zap.String("conversation", id), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

func (c *Controller) checkpoint(ctx context.Context, st *State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := c.store.SaveCheckpoint(ctx, st.ConversationID, string(st.Phase), data); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// sink opens a fresh event handle for one step.
func (c *Controller) sink(ctx context.Context, st *State) (events.Sink, error) {
	s, err := c.opener.Open(ctx, st.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("open event sink: %w", err)
	}
	return s, nil
}

func (c *Controller) timing(ctx context.Context, sink events.Sink, st *State, step string) {
	t := Timing(step, st.StartTime, c.now(), c.defaults.TimeBudget)
	if t.Warning != "" {
		c.logger.Warn("time budget running out",
			zap.String("conversation", st.ConversationID),
			zap.String("step", step),
			zap.Float64("percent_used", t.PercentUsed))
	}
	sink.Emit(ctx, events.Event{Type: events.TypeTiming, Data: t})
}

// fail moves the run to the terminal failed phase after telling the caller.
func (c *Controller) fail(ctx context.Context, sink events.Sink, st *State, round int, message string, emit bool) error {
	if emit {
		sink.Emit(ctx, events.Event{Type: events.TypeError, Data: events.ErrorData{Message: message, Round: round}})
	}
	if err := c.store.FailConversation(ctx, st.ConversationID, message); err != nil {
		c.logger.Warn("mark conversation failed", zap.String("conversation", st.ConversationID), zap.Error(err))
	}
	st.Phase = PhaseFailed
	st.Error = message
	return c.checkpoint(ctx, st)
}

func (c *Controller) start(ctx context.Context, st *State) error {
	sink, err := c.sink(ctx, st)
	if err != nil {
		return err
	}
	sink.Emit(ctx, events.Event{Type: events.TypeStart, ConversationID: st.ConversationID})
	c.timing(ctx, sink, st, "start")

	st.Phase = PhaseRounds
	if st.CurrentRound < 1 {
		st.CurrentRound = 1
	}
	return c.checkpoint(ctx, st)
}

func (c *Controller) round(ctx context.Context, st *State, keys consensus.KeySet) error {
	sink, err := c.sink(ctx, st)
	if err != nil {
		return err
	}
	r := st.CurrentRound

	result := c.rounds.Run(ctx, sink, RoundInput{
		ConversationID:  st.ConversationID,
		Prompt:          st.Prompt,
		Models:          st.Models,
		Round:           r,
		MaxRounds:       st.MaxRounds,
		Previous:        st.LastRound(),
		Keys:            keys,
		Evaluator:       st.Evaluator,
		ClassifierModel: c.defaults.ClassifierModel,
		EnableSearch:    st.EnableSearch,
		Targeted:        st.TargetedRefinement,
	})
	// A cancelled run is left at this round so a resume repeats it.
	if err := ctx.Err(); err != nil {
		return err
	}

	st.Rounds = append(st.Rounds, result)
	if result.HasError {
		return c.fail(ctx, sink, st, r, "All models failed to respond", false)
	}
	c.timing(ctx, sink, st, fmt.Sprintf("round-%d", r))

	if result.Evaluation.ReachedConsensus(st.ConsensusThreshold) || r >= st.MaxRounds {
		st.Phase = PhaseSynthesis
		return c.checkpoint(ctx, st)
	}

	next := RoundPrompts(st.Prompt, st.Models, r+1, &result, st.TargetedRefinement)
	sink.Emit(ctx, events.Event{Type: events.TypeRefinementPrompts, Data: next, Round: r + 1})
	st.CurrentRound = r + 1
	return c.checkpoint(ctx, st)
}

func (c *Controller) synthesize(ctx context.Context, st *State, keys consensus.KeySet) error {
	sink, err := c.sink(ctx, st)
	if err != nil {
		return err
	}
	last := st.LastRound()
	if last == nil {
		return c.fail(ctx, sink, st, 0, "No rounds to synthesize", true)
	}

	sink.Emit(ctx, events.Event{Type: events.TypeSynthesisStart})
	text, err := c.stream(ctx, keys, st.Evaluator, prompt.Synthesis(st.Prompt, last.Responses, st.Models), func(delta string) {
		sink.Emit(ctx, events.Event{Type: events.TypeSynthesisChunk, Content: delta})
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		c.logger.Error("synthesis failed", zap.String("conversation", st.ConversationID), zap.Error(err))
		return c.fail(ctx, sink, st, 0, "Synthesis failed: "+err.Error(), true)
	}

	st.Synthesis = text
	c.timing(ctx, sink, st, "synthesis")
	if len(st.Rounds) > 1 {
		st.Phase = PhaseProgression
	} else {
		st.Phase = PhaseFinalizing
	}
	return c.checkpoint(ctx, st)
}

// summarizeProgression never fails the run: any error becomes the generic
// one-line summary.
func (c *Controller) summarizeProgression(ctx context.Context, st *State, keys consensus.KeySet) error {
	sink, err := c.sink(ctx, st)
	if err != nil {
		return err
	}

	sink.Emit(ctx, events.Event{Type: events.TypeProgressionSummaryStart})
	streamed := false
	text, err := c.stream(ctx, keys, st.Evaluator, prompt.Progression(st.Prompt, st.Rounds, st.Models), func(delta string) {
		streamed = true
		sink.Emit(ctx, events.Event{Type: events.TypeProgressionSummaryChunk, Content: delta})
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil || strings.TrimSpace(text) == "" {
		c.logger.Warn("progression summary failed, using fallback",
			zap.String("conversation", st.ConversationID), zap.Error(err))
		text = prompt.FallbackProgression(len(st.Rounds), st.LastRound().Evaluation.Score)
		if streamed {
			// Clients reset the summary on start.
			sink.Emit(ctx, events.Event{Type: events.TypeProgressionSummaryStart})
		}
		sink.Emit(ctx, events.Event{Type: events.TypeProgressionSummaryChunk, Content: text})
	}

	st.ProgressionSummary = text
	st.Phase = PhaseFinalizing
	return c.checkpoint(ctx, st)
}

func (c *Controller) finalize(ctx context.Context, st *State) error {
	sink, err := c.sink(ctx, st)
	if err != nil {
		return err
	}
	last := st.LastRound()

	if err := c.store.UpdateResult(ctx, st.ConversationID, st.Synthesis, last.Evaluation.Score, len(st.Rounds)); err != nil {
		c.logger.Warn("update result failed", zap.String("conversation", st.ConversationID), zap.Error(err))
	}
	if st.Preview && !st.UsageCounted {
		if _, err := c.store.IncrementUsage(ctx, st.UserID); err != nil {
			c.logger.Warn("increment usage failed", zap.String("user", st.UserID), zap.Error(err))
		}
		st.UsageCounted = true
		if err := c.checkpoint(ctx, st); err != nil {
			return err
		}
	}

	sink.Emit(ctx, events.Event{Type: events.TypeFinalResponses, Data: last.Responses})
	c.timing(ctx, sink, st, "complete")
	sink.Emit(ctx, events.Event{Type: events.TypeComplete})

	st.Phase = PhaseComplete
	return c.checkpoint(ctx, st)
}

// stream runs one evaluator-model generation, handing each fragment to fn.
func (c *Controller) stream(ctx context.Context, keys consensus.KeySet, sel consensus.ModelSelection, text string, fn func(delta string)) (string, error) {
	backend, err := c.backends.Resolve(sel.Provider, sel.ModelID, keys)
	if err != nil {
		return "", err
	}
	ch, err := backend.Generate(ctx, provider.UserPrompt(text))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			return sb.String(), chunk.Err
		}
		if chunk.Content == "" {
			continue
		}
		sb.WriteString(chunk.Content)
		fn(chunk.Content)
	}
	return sb.String(), ctx.Err()
}
