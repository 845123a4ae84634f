// Package trace defines the NDJSON telemetry trace format used by the
// simulator: a timestamped stream of browser-side observations that can be
// replayed against a live session.
package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Record kinds.
const (
	KindClipboard  = "clipboard"
	KindViewport   = "viewport"
	KindChord      = "chord"
	KindFocus      = "focus"
	KindTab        = "tab"
	KindVisibility = "visibility"
	KindDOM        = "dom"
	KindFrame      = "frame"
	KindSnapshot   = "snapshot"
)

// ClipboardRecord is one copy/cut/paste observation.
type ClipboardRecord struct {
	Kind         string `json:"kind"` // copy, cut, paste
	Text         string `json:"text,omitempty"`
	TargetBefore string `json:"targetBefore,omitempty"`
	TargetAfter  string `json:"targetAfter,omitempty"`
}

// ViewportRecord is an inner-viewport size sample.
type ViewportRecord struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	// DebugDelayMS simulates how long a debugger statement takes to execute.
	DebugDelayMS int `json:"debugDelayMs,omitempty"`
}

// ScriptRecord mirrors one <script> tag in a DOM snapshot.
type ScriptRecord struct {
	Src    string `json:"src,omitempty"`
	Inline string `json:"inline,omitempty"`
}

// DOMRecord replaces the simulated document state: which selectors match,
// which window globals exist, and the current script tags. Applying one
// counts as a DOM mutation.
type DOMRecord struct {
	Selectors []string       `json:"selectors,omitempty"`
	Globals   []string       `json:"globals,omitempty"`
	Scripts   []ScriptRecord `json:"scripts,omitempty"`
}

// FrameRecord is a synthetic camera frame described by its face count.
type FrameRecord struct {
	Faces      int  `json:"faces"`
	Brightness byte `json:"brightness,omitempty"`
}

// SnapshotRecord is a code snapshot submission.
type SnapshotRecord struct {
	TaskID   string `json:"taskId"`
	Code     string `json:"code"`
	Language string `json:"language"`
}

// Record is one line of a trace. At is the offset from trace start in
// milliseconds; exactly one payload field matching Kind is set.
type Record struct {
	At   int64  `json:"at"`
	Kind string `json:"kind"`

	Clipboard *ClipboardRecord `json:"clipboard,omitempty"`
	Viewport  *ViewportRecord  `json:"viewport,omitempty"`
	Chord     string           `json:"chord,omitempty"`
	Focused   *bool            `json:"focused,omitempty"`
	Hidden    *bool            `json:"hidden,omitempty"`
	DOM       *DOMRecord       `json:"dom,omitempty"`
	Frame     *FrameRecord     `json:"frame,omitempty"`
	Snapshot  *SnapshotRecord  `json:"snapshot,omitempty"`
}

// Validate checks that the record carries the payload its kind requires.
func (r Record) Validate() error {
	switch r.Kind {
	case KindClipboard:
		if r.Clipboard == nil {
			return fmt.Errorf("clipboard record without payload")
		}
	case KindViewport:
		if r.Viewport == nil {
			return fmt.Errorf("viewport record without payload")
		}
	case KindChord:
		if r.Chord == "" {
			return fmt.Errorf("chord record without chord")
		}
	case KindFocus:
		if r.Focused == nil {
			return fmt.Errorf("focus record without state")
		}
	case KindTab:
		// No payload.
	case KindVisibility:
		if r.Hidden == nil {
			return fmt.Errorf("visibility record without state")
		}
	case KindDOM:
		if r.DOM == nil {
			return fmt.Errorf("dom record without payload")
		}
	case KindFrame:
		if r.Frame == nil {
			return fmt.Errorf("frame record without payload")
		}
	case KindSnapshot:
		if r.Snapshot == nil {
			return fmt.Errorf("snapshot record without payload")
		}
	default:
		return fmt.Errorf("unknown record kind %q", r.Kind)
	}
	return nil
}

// Writer emits records as NDJSON.
type Writer struct {
	enc *json.Encoder
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

// Write appends one record line.
func (w *Writer) Write(r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	return w.enc.Encode(r)
}

// ReadAll parses an NDJSON trace, skipping blank lines. Records must be
// ordered by At; out-of-order traces are rejected.
func ReadAll(r io.Reader) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var records []Record
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("trace line %d: %w", line, err)
		}
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("trace line %d: %w", line, err)
		}
		if n := len(records); n > 0 && rec.At < records[n-1].At {
			return nil, fmt.Errorf("trace line %d: records out of order (%dms after %dms)", line, rec.At, records[n-1].At)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	return records, nil
}
