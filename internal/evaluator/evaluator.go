// Package evaluator scores agreement across a round's answers with a
// structured-output model call.
package evaluator

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nidhogg/consensus/internal/consensus"
	"github.com/nidhogg/consensus/internal/events"
	"github.com/nidhogg/consensus/internal/prompt"
	"github.com/nidhogg/consensus/internal/provider"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
)

//go:embed evaluation.schema.json
var schemaJSON string

var evaluationSchema = jsonschema.MustCompileString("evaluation.schema.json", schemaJSON)

// Input is one round's answers.
type Input struct {
	OriginalPrompt string
	Responses      map[string]string
	Selections     []consensus.ModelSelection
	Round          int
}

// Evaluator streams an evaluation, emitting defaulted partial snapshots.
type Evaluator struct {
	logger *zap.Logger
}

// New creates an evaluator.
func New(logger *zap.Logger) *Evaluator {
	return &Evaluator{logger: logger}
}

// Evaluate never fails: any invocation, parse or schema error yields the
// fallback evaluation so the round can still complete.
// The final object is emitted as the last evaluation event unless the
// stream already ended on an identical snapshot.
func (e *Evaluator) Evaluate(ctx context.Context, sink events.Sink, backend provider.Backend, in Input) consensus.Evaluation {
	var last []byte
	eval, err := e.evaluate(ctx, sink, backend, in, &last)
	if err != nil {
		e.logger.Warn("evaluation failed, using fallback",
			zap.Int("round", in.Round),
			zap.Error(err))
		eval = consensus.FallbackEvaluation(err)
	}
	if encoded, _ := json.Marshal(eval); !bytes.Equal(encoded, last) {
		sink.Emit(ctx, events.Event{Type: events.TypeEvaluation, Data: eval, Round: in.Round})
	}
	return eval
}

func (e *Evaluator) evaluate(ctx context.Context, sink events.Sink, backend provider.Backend, in Input, last *[]byte) (consensus.Evaluation, error) {
	if backend == nil {
		return consensus.Evaluation{}, fmt.Errorf("no evaluator model: %w", provider.ErrUnavailable)
	}

	req := provider.UserPrompt(prompt.Evaluation(in.OriginalPrompt, in.Responses, in.Selections, in.Round))
	req.JSONOutput = true
	req.Temperature = 0.2

	ch, err := backend.Generate(ctx, req)
	if err != nil {
		return consensus.Evaluation{}, err
	}

	var text strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			return consensus.Evaluation{}, chunk.Err
		}
		if chunk.Content == "" {
			continue
		}
		text.WriteString(chunk.Content)

		partial, ok := parsePartial(text.String())
		if !ok {
			continue
		}
		snapshot := partial.Defaulted()
		encoded, _ := json.Marshal(snapshot)
		if bytes.Equal(encoded, *last) {
			continue
		}
		*last = encoded
		sink.Emit(ctx, events.Event{Type: events.TypeEvaluation, Data: snapshot, Round: in.Round})
	}
	if err := ctx.Err(); err != nil {
		return consensus.Evaluation{}, err
	}

	return Parse(text.String())
}

// Parse decodes and validates a complete evaluator reply.
func Parse(text string) (consensus.Evaluation, error) {
	raw := stripFences(text)
	if raw == "" {
		return consensus.Evaluation{}, errors.New("empty evaluation response")
	}

	var doc interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return consensus.Evaluation{}, fmt.Errorf("decode evaluation: %w", err)
	}
	if err := evaluationSchema.Validate(doc); err != nil {
		return consensus.Evaluation{}, fmt.Errorf("validate evaluation: %w", err)
	}

	var partial consensus.PartialEvaluation
	if err := json.Unmarshal([]byte(raw), &partial); err != nil {
		return consensus.Evaluation{}, fmt.Errorf("decode evaluation: %w", err)
	}
	return partial.Defaulted().Normalize(), nil
}
