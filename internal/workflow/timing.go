package workflow

import (
	"math"
	"time"
)

// DefaultTimeBudget is the wall-clock budget the execution host allows a run.
const DefaultTimeBudget = 800 * time.Second

// Timing warning levels.
const (
	TimingWarning  = "warning"
	TimingCritical = "critical"
)

// TimingData reports progress against the time budget. It is advisory only.
type TimingData struct {
	Step             string  `json:"step"`
	ElapsedMs        int64   `json:"elapsedMs"`
	ElapsedSeconds   float64 `json:"elapsedSeconds"`
	RemainingSeconds float64 `json:"remainingSeconds"`
	PercentUsed      float64 `json:"percentUsed"`
	Warning          string  `json:"warning,omitempty"`
}

// Timing computes budget usage for a step.
func Timing(step string, start, now time.Time, budget time.Duration) TimingData {
	if budget <= 0 {
		budget = DefaultTimeBudget
	}
	elapsed := now.Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}
	pct := float64(elapsed) / float64(budget) * 100

	t := TimingData{
		Step:             step,
		ElapsedMs:        elapsed.Milliseconds(),
		ElapsedSeconds:   round1(elapsed.Seconds()),
		RemainingSeconds: round1(math.Max(0, (budget - elapsed).Seconds())),
		PercentUsed:      round1(pct),
	}
	switch {
	case pct >= 90:
		t.Warning = TimingCritical
	case pct >= 75:
		t.Warning = TimingWarning
	}
	return t
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
