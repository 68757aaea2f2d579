// Package events is the ordered progress stream of a consensus run.
package events

import "context"

// Type names an event on the stream.
type Type string

const (
	TypeStart                   Type = "start"
	TypeRoundStatus             Type = "round-status"
	TypeSearchStart             Type = "search-start"
	TypeSearchComplete          Type = "search-complete"
	TypeSearchError             Type = "search-error"
	TypeModelResponse           Type = "model-response"
	TypeModelComplete           Type = "model-complete"
	TypeModelError              Type = "model-error"
	TypeEvaluationStart         Type = "evaluation-start"
	TypeEvaluation              Type = "evaluation"
	TypeEvaluationComplete      Type = "evaluation-complete"
	TypeTiming                  Type = "timing"
	TypeError                   Type = "error"
	TypeRefinementPrompts       Type = "refinement-prompts"
	TypeSynthesisStart          Type = "synthesis-start"
	TypeSynthesisChunk          Type = "synthesis-chunk"
	TypeProgressionSummaryStart Type = "progression-summary-start"
	TypeProgressionSummaryChunk Type = "progression-summary-chunk"
	TypeFinalResponses          Type = "final-responses"
	TypeComplete                Type = "complete"
)

// Event is one line of the NDJSON stream.
type Event struct {
	Type           Type        `json:"type"`
	ConversationID string      `json:"conversationId,omitempty"`
	Data           interface{} `json:"data,omitempty"`
	Round          int         `json:"round,omitempty"`
	Content        string      `json:"content,omitempty"`
}

// Terminal reports whether the stream closes after e.
func (e Event) Terminal() bool {
	if e.Type == TypeComplete {
		return true
	}
	if e.Type != TypeError {
		return false
	}
	switch d := e.Data.(type) {
	case ErrorData:
		return !d.Partial
	case map[string]interface{}:
		partial, _ := d["partial"].(bool)
		return !partial
	}
	return true
}

// RoundStatusData is the payload of round-status.
type RoundStatusData struct {
	RoundNumber int    `json:"roundNumber"`
	MaxRounds   int    `json:"maxRounds"`
	Status      string `json:"status"`
}

// SearchData is the payload of the search-* events.
type SearchData struct {
	Query       string `json:"query"`
	Round       int    `json:"round"`
	ResultCount int    `json:"resultCount,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ModelData is the payload of model-response, model-complete and model-error.
type ModelData struct {
	ModelID    string `json:"modelId"`
	ModelLabel string `json:"modelLabel"`
	Content    string `json:"content,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorType  string `json:"errorType,omitempty"`
	Round      int    `json:"round"`
}

// ErrorData is the payload of error. Partial errors do not end the stream.
type ErrorData struct {
	Message string `json:"message"`
	Round   int    `json:"round,omitempty"`
	Partial bool   `json:"partial,omitempty"`
}

// Sink receives events in emission order.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Emit(ctx context.Context, e Event) error { return f(ctx, e) }

// Opener hands out a sink for one conversation. Every workflow step opens
// its own handle instead of sharing one across the run.
type Opener interface {
	Open(ctx context.Context, conversationID string) (Sink, error)
}
