package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/nidhogg/consensus/internal/consensus"
	"github.com/nidhogg/consensus/internal/events"
	"github.com/nidhogg/consensus/internal/workflow"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	modelStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("33"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

// wireEvent is an event as read back from the stream; Data stays raw until
// the renderer knows its type.
type wireEvent struct {
	Type           events.Type     `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Round          int             `json:"round,omitempty"`
	Content        string          `json:"content,omitempty"`
}

func (e wireEvent) terminal() bool {
	if e.Type == events.TypeComplete {
		return true
	}
	if e.Type != events.TypeError {
		return false
	}
	var d events.ErrorData
	json.Unmarshal(e.Data, &d)
	return !d.Partial
}

// answerKey identifies one model's answer in one round.
type answerKey struct {
	round   int
	modelID string
}

// renderer turns stream events into terminal output. Model answers are
// printed once complete; synthesis and progression stream inline.
type renderer struct {
	w         io.Writer
	verbose   bool
	lastEval  *consensus.Evaluation
	streaming bool
	// answers holds the latest cumulative text of each model-response.
	answers map[answerKey]string
}

func newRenderer(w io.Writer, verbose bool) *renderer {
	return &renderer{w: w, verbose: verbose, answers: make(map[answerKey]string)}
}

func (r *renderer) endStream() {
	if r.streaming {
		fmt.Fprintln(r.w)
		r.streaming = false
	}
}

func (r *renderer) render(e wireEvent) {
	if e.Type != events.TypeSynthesisChunk && e.Type != events.TypeProgressionSummaryChunk {
		r.endStream()
	}

	switch e.Type {
	case events.TypeStart:
		fmt.Fprintln(r.w, dimStyle.Render("conversation "+e.ConversationID))

	case events.TypeRoundStatus:
		var d events.RoundStatusData
		json.Unmarshal(e.Data, &d)
		fmt.Fprintln(r.w, headerStyle.Render(fmt.Sprintf("── Round %d/%d: %s", d.RoundNumber, d.MaxRounds, d.Status)))

	case events.TypeSearchStart:
		var d events.SearchData
		json.Unmarshal(e.Data, &d)
		fmt.Fprintln(r.w, dimStyle.Render("searching: "+d.Query))
	case events.TypeSearchComplete:
		var d events.SearchData
		json.Unmarshal(e.Data, &d)
		fmt.Fprintln(r.w, dimStyle.Render(fmt.Sprintf("%d search results", d.ResultCount)))
	case events.TypeSearchError:
		var d events.SearchData
		json.Unmarshal(e.Data, &d)
		fmt.Fprintln(r.w, warnStyle.Render("search failed: "+d.Error))

	case events.TypeModelResponse:
		var d events.ModelData
		json.Unmarshal(e.Data, &d)
		r.answers[answerKey{d.Round, d.ModelID}] = d.Content
	case events.TypeModelComplete:
		var d events.ModelData
		json.Unmarshal(e.Data, &d)
		key := answerKey{d.Round, d.ModelID}
		text := d.Content
		if text == "" {
			text = r.answers[key]
		}
		delete(r.answers, key)
		fmt.Fprintln(r.w, modelStyle.Render("▸ "+d.ModelLabel))
		fmt.Fprintln(r.w, strings.TrimSpace(text))
	case events.TypeModelError:
		var d events.ModelData
		json.Unmarshal(e.Data, &d)
		delete(r.answers, answerKey{d.Round, d.ModelID})
		fmt.Fprintln(r.w, errorStyle.Render(fmt.Sprintf("✗ %s (%s): %s", d.ModelLabel, d.ErrorType, d.Error)))

	case events.TypeEvaluation:
		var ev consensus.Evaluation
		if json.Unmarshal(e.Data, &ev) == nil {
			r.lastEval = &ev
		}
	case events.TypeEvaluationComplete:
		if r.lastEval != nil {
			r.printEvaluation(*r.lastEval)
		}

	case events.TypeTiming:
		if !r.verbose {
			return
		}
		var d workflow.TimingData
		json.Unmarshal(e.Data, &d)
		style := dimStyle
		if d.Warning != "" {
			style = warnStyle
		}
		fmt.Fprintln(r.w, style.Render(fmt.Sprintf("[%s] %.1fs elapsed, %.0f%% of budget", d.Step, d.ElapsedSeconds, d.PercentUsed)))

	case events.TypeRefinementPrompts:
		if r.verbose {
			fmt.Fprintln(r.w, dimStyle.Render(fmt.Sprintf("refinement prompts prepared for round %d", e.Round)))
		}

	case events.TypeSynthesisStart:
		fmt.Fprintln(r.w, headerStyle.Render("── Synthesis"))
	case events.TypeProgressionSummaryStart:
		fmt.Fprintln(r.w, headerStyle.Render("── How the answers evolved"))
	case events.TypeSynthesisChunk, events.TypeProgressionSummaryChunk:
		fmt.Fprint(r.w, e.Content)
		r.streaming = true

	case events.TypeError:
		var d events.ErrorData
		json.Unmarshal(e.Data, &d)
		if d.Partial {
			fmt.Fprintln(r.w, warnStyle.Render("warning: "+d.Message))
		} else {
			fmt.Fprintln(r.w, errorStyle.Render("error: "+d.Message))
		}

	case events.TypeComplete:
		fmt.Fprintln(r.w, successStyle.Render("✓ done"))
	}
}

func (r *renderer) printEvaluation(ev consensus.Evaluation) {
	style := successStyle
	if !ev.IsGoodEnough {
		style = warnStyle
	}
	fmt.Fprintln(r.w, style.Render(fmt.Sprintf("%s consensus %d/100 (%s)", ev.Emoji, ev.Score, ev.Vibe)))
	if ev.Summary != "" {
		fmt.Fprintln(r.w, ev.Summary)
	}
	if r.verbose {
		for _, a := range ev.AreasOfAgreement {
			fmt.Fprintln(r.w, dimStyle.Render("  + "+a))
		}
		for _, d := range ev.KeyDifferences {
			fmt.Fprintln(r.w, dimStyle.Render("  ~ "+d))
		}
	}
}

// printConversation renders a stored conversation for the show command.
func printConversation(w io.Writer, c conversationView) {
	fmt.Fprintln(w, headerStyle.Render("Conversation "+c.ID))
	fmt.Fprintf(w, "status: %s  phase: %s  rounds: %d\n", c.Status, c.Phase, c.RoundsCompleted)
	fmt.Fprintln(w, dimStyle.Render(c.Prompt))
	for _, rd := range c.Rounds {
		fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("── Round %d", rd.Round)))
		ids := make([]string, 0, len(rd.Responses))
		for id := range rd.Responses {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintln(w, modelStyle.Render("▸ "+id))
			fmt.Fprintln(w, strings.TrimSpace(rd.Responses[id]))
		}
		fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("score %d: %s", rd.Evaluation.Score, rd.Evaluation.Summary)))
	}
	if c.ErrorMessage != "" {
		fmt.Fprintln(w, errorStyle.Render("error: "+c.ErrorMessage))
	}
	if c.Synthesis != "" {
		fmt.Fprintln(w, headerStyle.Render("── Synthesis"))
		fmt.Fprintln(w, c.Synthesis)
	}
}

// conversationView mirrors GET /api/conversations/{id}.
type conversationView struct {
	ID              string                  `json:"id"`
	Prompt          string                  `json:"prompt"`
	Status          string                  `json:"status"`
	Phase           string                  `json:"phase"`
	RoundsCompleted int                     `json:"roundsCompleted"`
	Synthesis       string                  `json:"synthesis"`
	ErrorMessage    string                  `json:"errorMessage"`
	Rounds          []consensus.RoundResult `json:"rounds"`
}
