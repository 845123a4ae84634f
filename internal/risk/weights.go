// Package risk holds the session risk accumulator, the tunable event weight
// table, and the collector-side rule scorer.
package risk

import "github.com/vibecodejam/proctor/internal/event"

// Default event weights. The drafts of this system disagreed on exact values,
// so every weight is a named constant overridable through Weights.
const (
	DefaultDevToolsWeight      = 30
	DefaultShortcutWeight      = 15
	DefaultPasteBaseWeight     = 20
	DefaultExtensionWeight     = 20
	DefaultClipboardCopyWeight = 3
	DefaultClipboardCutWeight  = 2
	DefaultPresenceWarnWeight  = 10
	DefaultPresenceCritWeight  = 25
	DefaultTabSwitchWeight     = 10
	DefaultWindowBlurWeight    = 8
	DefaultVisibilityWeight    = 10

	// Paste size escalations applied on top of the base weight.
	LargePasteThreshold  = 500
	MediumPasteThreshold = 200
	LargePasteBonus      = 20
	MediumPasteBonus     = 10

	// Focus-loss repeat escalation: tab switches beyond the threshold add an
	// extra penalty each.
	TabSwitchRepeatThreshold = 5
	TabSwitchRepeatPenalty   = 5
)

// Weights maps event types to base risk contributions.
type Weights map[event.Type]int

// DefaultWeights returns the standard weight table.
func DefaultWeights() Weights {
	return Weights{
		event.TypeDevToolsDetected: DefaultDevToolsWeight,
		event.TypeDevToolsShortcut: DefaultShortcutWeight,
		event.TypeClipboardPaste:   DefaultPasteBaseWeight,
		event.TypeExtension:        DefaultExtensionWeight,
		event.TypeClipboardCopy:    DefaultClipboardCopyWeight,
		event.TypeClipboardCut:     DefaultClipboardCutWeight,
		event.TypeTabSwitch:        DefaultTabSwitchWeight,
		event.TypeWindowBlur:       DefaultWindowBlurWeight,
		event.TypeVisibilityHidden: DefaultVisibilityWeight,
	}
}

// Base returns the base weight for an event type, 0 if unlisted.
func (w Weights) Base(t event.Type) int {
	return w[t]
}

// Level bands a score into an operator-facing risk level.
func Level(score int) string {
	switch {
	case score >= 81:
		return "critical"
	case score >= 61:
		return "high"
	case score >= 31:
		return "medium"
	default:
		return "low"
	}
}
