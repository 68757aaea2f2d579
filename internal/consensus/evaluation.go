package consensus

// Vibe is the evaluator's one-word mood for a round.
type Vibe string

const (
	VibeCelebration  Vibe = "celebration"
	VibeAgreement    Vibe = "agreement"
	VibeMixed        Vibe = "mixed"
	VibeDisagreement Vibe = "disagreement"
	VibeClash        Vibe = "clash"
)

// Valid reports whether v is one of the known vibes.
func (v Vibe) Valid() bool {
	switch v {
	case VibeCelebration, VibeAgreement, VibeMixed, VibeDisagreement, VibeClash:
		return true
	}
	return false
}

// Evaluation scores agreement across a round's answers.
// Every field is always present on the wire.
type Evaluation struct {
	Score                int      `json:"score"`
	Summary              string   `json:"summary"`
	Emoji                string   `json:"emoji"`
	Vibe                 Vibe     `json:"vibe"`
	AreasOfAgreement     []string `json:"areasOfAgreement"`
	KeyDifferences       []string `json:"keyDifferences"`
	Reasoning            string   `json:"reasoning"`
	IsGoodEnough         bool     `json:"isGoodEnough"`
	NeedsMoreInfo        bool     `json:"needsMoreInfo"`
	SuggestedSearchQuery string   `json:"suggestedSearchQuery"`
}

// PartialEvaluation is a decoded, possibly incomplete evaluator object.
// A nil field has not arrived yet.
type PartialEvaluation struct {
	Score                *float64 `json:"score"`
	Summary              *string  `json:"summary"`
	Emoji                *string  `json:"emoji"`
	Vibe                 *string  `json:"vibe"`
	AreasOfAgreement     []string `json:"areasOfAgreement"`
	KeyDifferences       []string `json:"keyDifferences"`
	Reasoning            *string  `json:"reasoning"`
	IsGoodEnough         *bool    `json:"isGoodEnough"`
	NeedsMoreInfo        *bool    `json:"needsMoreInfo"`
	SuggestedSearchQuery *string  `json:"suggestedSearchQuery"`
}

// Defaulted fills every missing field: 0, "", [], false and "mixed".
func (p PartialEvaluation) Defaulted() Evaluation {
	e := Evaluation{
		Vibe:             VibeMixed,
		AreasOfAgreement: []string{},
		KeyDifferences:   []string{},
	}
	if p.Score != nil {
		e.Score = ClampScore(*p.Score)
	}
	if p.Summary != nil {
		e.Summary = *p.Summary
	}
	if p.Emoji != nil {
		e.Emoji = *p.Emoji
	}
	if p.Vibe != nil && Vibe(*p.Vibe).Valid() {
		e.Vibe = Vibe(*p.Vibe)
	}
	if p.AreasOfAgreement != nil {
		e.AreasOfAgreement = append(e.AreasOfAgreement, p.AreasOfAgreement...)
	}
	if p.KeyDifferences != nil {
		e.KeyDifferences = append(e.KeyDifferences, p.KeyDifferences...)
	}
	if p.Reasoning != nil {
		e.Reasoning = *p.Reasoning
	}
	if p.IsGoodEnough != nil {
		e.IsGoodEnough = *p.IsGoodEnough
	}
	if p.NeedsMoreInfo != nil {
		e.NeedsMoreInfo = *p.NeedsMoreInfo
	}
	if p.SuggestedSearchQuery != nil {
		e.SuggestedSearchQuery = *p.SuggestedSearchQuery
	}
	return e
}

// Normalize replaces nil slices and an unknown vibe so the wire shape is complete.
func (e Evaluation) Normalize() Evaluation {
	if e.AreasOfAgreement == nil {
		e.AreasOfAgreement = []string{}
	}
	if e.KeyDifferences == nil {
		e.KeyDifferences = []string{}
	}
	if !e.Vibe.Valid() {
		e.Vibe = VibeMixed
	}
	if e.Score < 0 {
		e.Score = 0
	}
	if e.Score > 100 {
		e.Score = 100
	}
	return e
}

// FallbackEvaluation is substituted when the evaluator call fails.
func FallbackEvaluation(err error) Evaluation {
	msg := "evaluation unavailable"
	if err != nil {
		msg = err.Error()
	}
	return Evaluation{
		Score:            0,
		Summary:          "Evaluation failed",
		Emoji:            "⚠️",
		Vibe:             VibeClash,
		AreasOfAgreement: []string{},
		KeyDifferences:   []string{},
		Reasoning:        msg,
	}
}

// ClampScore rounds a raw score into 0..100.
func ClampScore(v float64) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return int(v + 0.5)
}

// ReachedConsensus is the stop rule: the evaluator's own verdict or the raw
// score meeting the threshold. Either is sufficient.
func (e Evaluation) ReachedConsensus(threshold int) bool {
	return e.IsGoodEnough || e.Score >= threshold
}
