// Package workflow runs the durable multi-round consensus state machine.
package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/consensus/internal/consensus"
)

// Phase is a checkpointed position in the workflow.
type Phase string

const (
	PhaseStarting    Phase = "starting"
	PhaseRounds      Phase = "rounds"
	PhaseSynthesis   Phase = "synthesis"
	PhaseProgression Phase = "progression"
	PhaseFinalizing  Phase = "finalizing"
	PhaseComplete    Phase = "complete"
	PhaseFailed      Phase = "failed"
)

// Terminal reports whether the workflow can make no further progress.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

var (
	// ErrAlreadyComplete is returned when resuming a finished conversation.
	ErrAlreadyComplete = errors.New("conversation already finished")
	// ErrInvalidRequest wraps every request validation failure.
	ErrInvalidRequest = errors.New("invalid request")
)

// Request starts a run.
type Request struct {
	UserID             string                     `json:"-"`
	Prompt             string                     `json:"prompt"`
	Models             []consensus.ModelSelection `json:"models"`
	MaxRounds          int                        `json:"maxRounds"`
	ConsensusThreshold *int                       `json:"consensusThreshold"`
	EvaluatorModel     string                     `json:"evaluatorModel"`
	EnableSearch       bool                       `json:"enableSearch"`
	TargetedRefinement *bool                      `json:"targetedRefinement"`
}

// Validate checks the request shape. Credentials are checked by Start.
func (r *Request) Validate(maxAllowedRounds int) error {
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	if len(r.Models) < 2 || len(r.Models) > 3 {
		return fmt.Errorf("%w: select 2 or 3 models, got %d", ErrInvalidRequest, len(r.Models))
	}
	seen := make(map[string]bool)
	for i, m := range r.Models {
		if m.ID == "" || m.ModelID == "" {
			return fmt.Errorf("%w: model %d needs id and modelId", ErrInvalidRequest, i+1)
		}
		if seen[m.ID] {
			return fmt.Errorf("%w: duplicate model id %q", ErrInvalidRequest, m.ID)
		}
		seen[m.ID] = true
		if m.Provider != "" && !m.Provider.Valid() {
			return fmt.Errorf("%w: unknown provider %q", ErrInvalidRequest, m.Provider)
		}
	}
	if r.MaxRounds < 0 || (maxAllowedRounds > 0 && r.MaxRounds > maxAllowedRounds) {
		return fmt.Errorf("%w: maxRounds must be 1-%d", ErrInvalidRequest, maxAllowedRounds)
	}
	if t := r.ConsensusThreshold; t != nil && (*t < 0 || *t > 100) {
		return fmt.Errorf("%w: consensusThreshold must be 0-100", ErrInvalidRequest)
	}
	return nil
}

// MissingKeysError lists providers the caller holds no credential for.
type MissingKeysError struct {
	Providers []consensus.Provider
}

func (e *MissingKeysError) Error() string {
	names := make([]string, len(e.Providers))
	for i, p := range e.Providers {
		names[i] = string(p)
	}
	return "missing API key for " + strings.Join(names, ", ")
}

func (e *MissingKeysError) Unwrap() error { return ErrInvalidRequest }

// State is the checkpointed unit of a run. Credentials are never stored in it.
type State struct {
	ConversationID     string                     `json:"conversationId"`
	UserID             string                     `json:"userId"`
	Prompt             string                     `json:"prompt"`
	Models             []consensus.ModelSelection `json:"models"`
	MaxRounds          int                        `json:"maxRounds"`
	ConsensusThreshold int                        `json:"consensusThreshold"`
	Evaluator          consensus.ModelSelection   `json:"evaluator"`
	EnableSearch       bool                       `json:"enableSearch"`
	TargetedRefinement bool                       `json:"targetedRefinement"`
	Preview            bool                       `json:"preview"`

	Phase              Phase                   `json:"phase"`
	Rounds             []consensus.RoundResult `json:"allRoundsData"`
	CurrentRound       int                     `json:"currentRound"`
	StartTime          time.Time               `json:"startTime"`
	Synthesis          string                  `json:"synthesis,omitempty"`
	ProgressionSummary string                  `json:"progressionSummary,omitempty"`
	UsageCounted       bool                    `json:"usageCounted"`
	Error              string                  `json:"error,omitempty"`
}

// LastRound returns the most recent committed round, or nil.
func (s *State) LastRound() *consensus.RoundResult {
	if len(s.Rounds) == 0 {
		return nil
	}
	return &s.Rounds[len(s.Rounds)-1]
}

func (s *State) providers() []consensus.Provider {
	out := make([]consensus.Provider, 0, len(s.Models)+1)
	for _, m := range s.Models {
		out = append(out, m.Provider)
	}
	return append(out, s.Evaluator.Provider)
}
