// Package event defines the proctoring event model shared by detectors,
// the session aggregator, and the transport layer.
package event

import (
	"time"
)

// Type tags an event variant. The tag determines the metadata shape.
type Type string

const (
	TypeClipboardCopy    Type = "clipboard_copy"
	TypeClipboardCut     Type = "clipboard_cut"
	TypeClipboardPaste   Type = "clipboard_paste"
	TypeDevToolsDetected Type = "devtools_detected"
	TypeDevToolsShortcut Type = "devtools_shortcut"
	TypeExtension        Type = "extension_detected"
	TypePresenceChanged  Type = "presence_changed"
	TypeTabSwitch        Type = "tab_switch"
	TypeWindowBlur       Type = "window_blur"
	TypeVisibilityHidden Type = "visibility_hidden"
	TypeSessionStart     Type = "session_start"
	TypeSessionEnd       Type = "session_end"
	TypeHeartbeat        Type = "heartbeat"
)

// Detector source names stamped onto events at enqueue time.
const (
	SourceClipboard  = "clipboard"
	SourceDevTools   = "devtools"
	SourceExtensions = "extensions"
	SourceFace       = "face"
	SourceSession    = "session"
)

// Severity classifies presence transitions.
type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is a single proctoring observation. Timestamp is always the
// producer-local capture time in Unix milliseconds, never transport time.
// SessionID and Source are stamped by the session at enqueue, not by the
// detector that produced the event.
type Event struct {
	Type      Type   `json:"type"`
	Timestamp int64  `json:"timestamp"`
	SessionID string `json:"sessionId,omitempty"`
	Source    string `json:"source,omitempty"`
	Metadata  any    `json:"metadata,omitempty"`

	// Weight is the detector-suggested risk contribution. The session owns
	// the accumulator; detectors only suggest.
	Weight int `json:"riskScore,omitempty"`
}

// CopyMeta is the metadata for clipboard_copy and clipboard_cut events.
// Copy/cut are observational only and carry no risk weight.
type CopyMeta struct {
	TextLength int `json:"textLength"`
}

// PasteMeta is the metadata for clipboard_paste events. Preview is truncated
// and non-reversible; the full pasted text never leaves the agent.
type PasteMeta struct {
	TextLength   int    `json:"textLength"`
	Preview      string `json:"preview"`
	LineCount    int    `json:"lineCount"`
	WordCount    int    `json:"wordCount"`
	IsLikelyCode bool   `json:"isLikelyCode"`
	SelfPaste    bool   `json:"selfPaste"`
	Merged       int    `json:"merged,omitempty"` // number of raw pastes merged into this event
}

// DevToolsMeta is the metadata for devtools_detected events. Method names the
// heuristic that triggered the OPEN transition.
type DevToolsMeta struct {
	IsOpen bool   `json:"isOpen"`
	Method string `json:"method,omitempty"`
}

// ShortcutMeta is the metadata for devtools_shortcut events.
type ShortcutMeta struct {
	Shortcut string `json:"shortcut"`
}

// ExtensionMeta is the metadata for extension_detected events.
type ExtensionMeta struct {
	Key         string `json:"extensionKey"`
	DisplayName string `json:"displayName"`
	Method      string `json:"method"`
}

// PresenceMeta is the metadata for presence_changed events.
type PresenceMeta struct {
	FaceCount     int      `json:"faceCount"`
	PreviousCount int      `json:"previousCount"`
	Severity      Severity `json:"severity"`
	Backend       string   `json:"backend"`
	ScreenshotID  string   `json:"screenshotId,omitempty"`
}

// SessionMeta is the metadata for session_start and session_end events.
type SessionMeta struct {
	FinalRisk int `json:"finalRisk,omitempty"`
}

// NowMillis returns the current wall clock in Unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Critical reports whether the event must bypass batching and be flushed
// immediately: DevTools opening, any extension detection, or a paste whose
// length exceeds pasteThreshold.
func (e Event) Critical(pasteThreshold int) bool {
	switch e.Type {
	case TypeDevToolsDetected:
		if m, ok := e.Metadata.(DevToolsMeta); ok {
			return m.IsOpen
		}
		return true
	case TypeExtension:
		return true
	case TypeClipboardPaste:
		if m, ok := e.Metadata.(PasteMeta); ok {
			return m.TextLength > pasteThreshold
		}
	}
	return false
}
