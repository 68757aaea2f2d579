package prompt

import (
	"fmt"
	"strings"

	"github.com/nidhogg/consensus/internal/consensus"
)

// Evaluation asks the evaluator model to score agreement as a JSON object.
func Evaluation(originalPrompt string, responses map[string]string, selections []consensus.ModelSelection, round int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are an impartial judge. Several AI models answered the same question (round %d).\n\n", round)
	sb.WriteString("QUESTION:\n")
	sb.WriteString(originalPrompt)
	sb.WriteString("\n\nANSWERS:\n")
	for _, sel := range selections {
		fmt.Fprintf(&sb, "\n--- %s ---\n%s\n", sel.DisplayLabel(), responses[sel.ID])
	}
	sb.WriteString(`
Some answers may be error placeholders; treat them as missing information.

Score how much the answers agree in substance (not wording) and reply with ONLY a JSON object with exactly these fields:
{
  "score": integer 0-100,
  "summary": one sentence,
  "emoji": a single emoji,
  "vibe": one of "celebration", "agreement", "mixed", "disagreement", "clash",
  "areasOfAgreement": array of short strings,
  "keyDifferences": array of short strings,
  "reasoning": a short paragraph,
  "isGoodEnough": true when the answers agree well enough that further rounds are unlikely to help,
  "needsMoreInfo": true when current real-world information would resolve the disagreement,
  "suggestedSearchQuery": a 3-8 word web query when needsMoreInfo is true, otherwise ""
}`)
	return sb.String()
}

// Synthesis asks for one unified answer from the final round.
func Synthesis(originalPrompt string, responses map[string]string, selections []consensus.ModelSelection) string {
	var sb strings.Builder
	sb.WriteString("Several AI models discussed the question below and refined their answers. Combine their final answers into one unified, balanced response.\n\n")
	sb.WriteString("QUESTION:\n")
	sb.WriteString(originalPrompt)
	sb.WriteString("\n\nFINAL ANSWERS:\n")
	for _, sel := range selections {
		fmt.Fprintf(&sb, "\n--- %s ---\n%s\n", sel.DisplayLabel(), responses[sel.ID])
	}
	sb.WriteString("\nWrite the unified answer directly. Where the models still disagree, present the positions fairly. Do not use emoji or decorative symbols, and do not mention the models by name.")
	return sb.String()
}

// excerptLen caps each response quoted in the progression prompt.
const excerptLen = 300

// Progression asks for a short narrative of how the answers evolved.
func Progression(originalPrompt string, rounds []consensus.RoundResult, selections []consensus.ModelSelection) string {
	var sb strings.Builder
	sb.WriteString("Several AI models answered a question over multiple rounds, revising after seeing each other's answers.\n\n")
	sb.WriteString("QUESTION:\n")
	sb.WriteString(originalPrompt)
	sb.WriteString("\n")
	for _, r := range rounds {
		fmt.Fprintf(&sb, "\nROUND %d: agreement %d/100. %s\n", r.Round, r.Evaluation.Score, r.Evaluation.Summary)
		for _, sel := range selections {
			fmt.Fprintf(&sb, "- %s: %s\n", sel.DisplayLabel(), Excerpt(r.Responses[sel.ID], excerptLen))
		}
	}
	sb.WriteString("\nIn 2 to 4 short paragraphs, describe how the answers and the level of agreement changed from round to round and what drove the changes. Plain prose only.")
	return sb.String()
}

// FallbackProgression is used when the narrative call fails.
func FallbackProgression(rounds int, finalScore int) string {
	return fmt.Sprintf("The models refined their answers over %d rounds, reaching a final agreement score of %d%%.", rounds, finalScore)
}

// NeedsSearch is the yes/no classifier prompt for round 1.
func NeedsSearch(userPrompt string) string {
	return "Does answering the following question well require current or real-time information from the web " +
		"(recent events, prices, releases, live data)? Answer with only \"yes\" or \"no\".\n\nQUESTION:\n" + userPrompt
}

// SearchQuery asks for a short web query.
func SearchQuery(userPrompt string) string {
	return "Write a web search query of 3 to 8 words that would find the current information needed to answer the question below. " +
		"Reply with only the query, no quotes.\n\nQUESTION:\n" + userPrompt
}

// Excerpt shortens s to at most n runes, marking the cut.
func Excerpt(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}
