package risk

import (
	"github.com/vibecodejam/proctor/internal/event"
)

// Sample is the scorer's view of a stored event: the variant tag plus the
// few metadata fields the rules inspect.
type Sample struct {
	Type       event.Type
	TextLength int
}

// Score is the collector-side verdict for a batch of session events.
type Score struct {
	RuleBased     int      `json:"ruleBasedScore"`
	Final         int      `json:"finalScore"`
	Level         string   `json:"riskLevel"`
	FlaggedEvents []string `json:"flaggedEvents"`
	EventCount    int      `json:"eventsCount"`
}

// Scorer applies the rule table to event histories. Zero value is not usable;
// construct with NewScorer.
type Scorer struct {
	weights Weights
}

// NewScorer builds a scorer with the given weight table (nil means defaults).
func NewScorer(w Weights) *Scorer {
	if w == nil {
		w = DefaultWeights()
	}
	return &Scorer{weights: w}
}

// RuleScore computes the rule-based score for a session's events, clamped to
// [0,100]. Paste weights escalate with text size; repeated focus-loss events
// beyond RepeatThreshold add an extra penalty per occurrence.
func (s *Scorer) RuleScore(events []Sample) int {
	total := 0
	for _, ev := range events {
		weight := s.weights.Base(ev.Type)
		if ev.Type == event.TypeClipboardPaste {
			if ev.TextLength > LargePasteThreshold {
				weight += LargePasteBonus
			} else if ev.TextLength > MediumPasteThreshold {
				weight += MediumPasteBonus
			}
		}
		total += weight
	}

	tabSwitches := 0
	for _, ev := range events {
		if ev.Type == event.TypeTabSwitch {
			tabSwitches++
		}
	}
	if tabSwitches > TabSwitchRepeatThreshold {
		total += (tabSwitches - TabSwitchRepeatThreshold) * TabSwitchRepeatPenalty
	}

	return clamp(total)
}

// Flagged returns the deduplicated list of suspicious event markers for a
// session history.
func (s *Scorer) Flagged(events []Sample) []string {
	seen := map[string]bool{}
	var flagged []string
	add := func(tag string) {
		if !seen[tag] {
			seen[tag] = true
			flagged = append(flagged, tag)
		}
	}

	counts := map[event.Type]int{}
	for _, ev := range events {
		counts[ev.Type]++
	}

	for _, ev := range events {
		switch ev.Type {
		case event.TypeDevToolsDetected, event.TypeExtension:
			add(string(ev.Type))
		case event.TypeClipboardPaste:
			if ev.TextLength > MediumPasteThreshold {
				add("large_code_paste")
			}
		}
	}
	if counts[event.TypeDevToolsShortcut] > 3 {
		add("repeated_devtools_shortcuts")
	}
	if counts[event.TypeTabSwitch] > TabSwitchRepeatThreshold {
		add("excessive_tab_switching")
	}

	if flagged == nil {
		flagged = []string{}
	}
	return flagged
}

// Evaluate produces a full score for the events. llmScore < 0 means no LLM
// analysis was run; otherwise the final score blends rule and LLM scores.
func (s *Scorer) Evaluate(events []Sample, llmScore int) Score {
	rule := s.RuleScore(events)
	final := rule
	if llmScore >= 0 {
		final = clamp((rule*4 + llmScore*6) / 10)
	}
	return Score{
		RuleBased:     rule,
		Final:         final,
		Level:         Level(final),
		FlaggedEvents: s.Flagged(events),
		EventCount:    len(events),
	}
}

// NeedsDeepAnalysis reports whether a session history warrants the optional
// LLM behavior analysis pass.
func (s *Scorer) NeedsDeepAnalysis(events []Sample) bool {
	return s.RuleScore(events) > 50 || len(events) > 20
}
