// Package prompt builds every prompt the consensus workflow sends.
// All functions are pure: same inputs, same output, no I/O.
package prompt

import (
	"fmt"
	"strings"

	"github.com/nidhogg/consensus/internal/consensus"
)

// BuildInitial returns the user's prompt unchanged.
func BuildInitial(userPrompt string) string {
	return userPrompt
}

// RefinementInput carries everything a round r+1 prompt needs.
type RefinementInput struct {
	OriginalPrompt string
	SelfID         string
	SelfLabel      string
	Responses      map[string]string
	Selections     []consensus.ModelSelection
	NextRound      int
	// PriorEvaluation enables targeted refinement when non-nil.
	PriorEvaluation *consensus.Evaluation
}

// BuildRefinement asks one model to reconsider its answer in light of the others.
func BuildRefinement(in RefinementInput) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "You are %s, taking part in round %d of a discussion between several AI models answering the same question.\n\n",
		in.SelfLabel, in.NextRound)
	sb.WriteString("ORIGINAL QUESTION:\n")
	sb.WriteString(in.OriginalPrompt)
	sb.WriteString("\n\n")

	sb.WriteString("YOUR PREVIOUS ANSWER:\n")
	sb.WriteString(in.Responses[in.SelfID])
	sb.WriteString("\n\n")

	sb.WriteString("OTHER MODELS' PREVIOUS ANSWERS:\n")
	for _, sel := range in.Selections {
		if sel.ID == in.SelfID {
			continue
		}
		fmt.Fprintf(&sb, "\n--- %s ---\n%s\n", sel.DisplayLabel(), in.Responses[sel.ID])
	}
	sb.WriteString("\n")

	if ev := in.PriorEvaluation; ev != nil {
		fmt.Fprintf(&sb, "An independent evaluator scored the current agreement at %d/100.\n", ev.Score)
		if len(ev.KeyDifferences) > 0 {
			sb.WriteString("The key differences between the answers are:\n")
			for _, d := range ev.KeyDifferences {
				fmt.Fprintf(&sb, "- %s\n", d)
			}
			sb.WriteString("\nAddress each of these differences directly: state whether you now agree with the other models or why you still hold your position.\n\n")
		}
	}

	sb.WriteString("Reconsider your answer in light of where the others disagree with you. ")
	sb.WriteString("Keep what you still believe is correct, adopt better reasoning where you find it, and give your complete revised answer to the original question.")
	return sb.String()
}

// BuildSearchAugmented appends a web-results block to base. base is not modified.
func BuildSearchAugmented(base string, results []consensus.SearchResult) string {
	if len(results) == 0 {
		return base
	}
	var sb strings.Builder
	sb.WriteString(base)
	sb.WriteString("\n\n---\nCURRENT WEB SEARCH RESULTS (use them where relevant and cite the sources you rely on):\n")
	for i, r := range results {
		fmt.Fprintf(&sb, "\n[%d] %s\n%s\n%s\n", i+1, r.Title, r.URL, r.Snippet)
	}
	return sb.String()
}
