// Package clipboard monitors copy/cut/paste activity and turns pastes into
// scored proctoring events.
package clipboard

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/vibecodejam/proctor/internal/analyzer"
	"github.com/vibecodejam/proctor/internal/event"
	"github.com/vibecodejam/proctor/internal/ring"
)

// Defaults, overridable through Config.
const (
	DefaultMergeWindow = 500 * time.Millisecond
	DefaultHistorySize = 64
	DefaultPreviewLen  = 80

	// selfPasteDivisor reduces the weight of a paste that matches a copy made
	// earlier in the same session. Copying your own draft back in is benign.
	selfPasteDivisor = 4

	// readTimeout bounds the async clipboard-read fallback.
	readTimeout = 250 * time.Millisecond

	// rateWindow is the sliding window used for paste frequency statistics.
	rateWindow = time.Minute
)

// Kind identifies a clipboard operation.
type Kind string

const (
	KindCopy  Kind = "copy"
	KindCut   Kind = "cut"
	KindPaste Kind = "paste"
)

// Op is a raw clipboard operation observed at the document root. Text carries
// the native event payload when the embed context exposes one; TargetBefore
// and TargetAfter carry the target element's value around the operation for
// the diff fallback.
type Op struct {
	Kind         Kind
	Text         string
	TargetBefore string
	TargetAfter  string
	At           time.Time
}

// Reader is the asynchronous clipboard-read fallback channel. Implementations
// may block until the permission prompt resolves; the monitor bounds the wait.
type Reader interface {
	ReadText(ctx context.Context) (string, error)
}

// Config tunes the monitor.
type Config struct {
	MergeWindow time.Duration
	HistorySize int
	PreviewLen  int
	Reader      Reader // optional async read fallback
}

func (c *Config) applyDefaults() {
	if c.MergeWindow <= 0 {
		c.MergeWindow = DefaultMergeWindow
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.PreviewLen <= 0 {
		c.PreviewLen = DefaultPreviewLen
	}
}

// historyEntry records a local copy/cut for self-paste matching.
type historyEntry struct {
	text string
	at   time.Time
}

// pendingPaste accumulates rapid-fire paste fragments inside the merge window.
type pendingPaste struct {
	text   string
	merged int
	first  time.Time
	timer  *time.Timer
}

// Stats summarizes monitor activity for the session.
type Stats struct {
	Copies           int `json:"copies"`
	Cuts             int `json:"cuts"`
	Pastes           int `json:"pastes"` // merged (logical) pastes emitted
	RawPastes        int `json:"rawPastes"`
	TotalPastedChars int `json:"totalPastedChars"`
	PastesLastMinute int `json:"pastesLastMinute"`
}

// Monitor observes clipboard operations, merges rapid paste bursts, and emits
// clipboard events to its sink. Extraction failures degrade to "no event";
// the monitor never panics outward.
type Monitor struct {
	cfg  Config
	sink func(event.Event)

	mu        sync.Mutex
	active    bool
	pending   *pendingPaste
	history   *ring.Buffer[historyEntry]
	pasteTims []time.Time
	stats     Stats
}

// NewMonitor creates a clipboard monitor delivering events to sink.
func NewMonitor(cfg Config, sink func(event.Event)) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		cfg:     cfg,
		sink:    sink,
		history: ring.New[historyEntry](cfg.HistorySize),
	}
}

// Start activates the monitor. Idempotent.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = true
}

// Stop flushes any pending merged paste, clears the history, and deactivates
// the monitor. Idempotent; in-flight async reads are discarded afterwards.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	pending := m.pending
	m.pending = nil
	if pending != nil && pending.timer != nil {
		pending.timer.Stop()
	}
	m.mu.Unlock()

	if pending != nil {
		m.emitPaste(pending)
	}

	m.mu.Lock()
	m.history.Reset()
	m.pasteTims = nil
	m.mu.Unlock()
}

// Observe routes a raw clipboard operation to the matching handler.
func (m *Monitor) Observe(op Op) {
	switch op.Kind {
	case KindCopy, KindCut:
		m.handleCopyCut(op)
	case KindPaste:
		m.HandlePaste(op)
	}
}

func (m *Monitor) handleCopyCut(op Op) {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	at := op.At
	if at.IsZero() {
		at = time.Now()
	}
	if op.Text != "" {
		m.history.Push(historyEntry{text: op.Text, at: at})
	}
	typ := event.TypeClipboardCopy
	if op.Kind == KindCut {
		m.stats.Cuts++
		typ = event.TypeClipboardCut
	} else {
		m.stats.Copies++
	}
	m.mu.Unlock()

	// Copy/cut are observational only: no risk scoring.
	m.sink(event.Event{
		Type:      typ,
		Timestamp: at.UnixMilli(),
		Metadata:  event.CopyMeta{TextLength: len(op.Text)},
	})
}

// HandlePaste extracts pasted text through the fallback chain and feeds it
// into the merge window. If no text can be recovered, no event is emitted.
func (m *Monitor) HandlePaste(op Op) {
	at := op.At
	if at.IsZero() {
		at = time.Now()
	}

	if op.Text != "" {
		m.appendPaste(op.Text, at)
		return
	}

	if m.cfg.Reader != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
			defer cancel()
			text, err := m.cfg.Reader.ReadText(ctx)
			if err != nil || text == "" {
				slog.Debug("Clipboard read fallback failed", "error", err)
				if diff := diffTarget(op); diff != "" {
					m.appendPaste(diff, at)
				}
				return
			}
			m.appendPaste(text, at)
		}()
		return
	}

	if diff := diffTarget(op); diff != "" {
		m.appendPaste(diff, at)
	}
}

// diffTarget recovers pasted text by diffing the target element's value
// around the event. Works for plain inputs where the native payload and the
// read API are both unavailable.
func diffTarget(op Op) string {
	before, after := op.TargetBefore, op.TargetAfter
	if len(after) <= len(before) {
		return ""
	}
	// Strip the shared prefix and suffix; what remains is the insertion.
	start := 0
	for start < len(before) && before[start] == after[start] {
		start++
	}
	end := 0
	for end < len(before)-start && before[len(before)-1-end] == after[len(after)-1-end] {
		end++
	}
	return after[start : len(after)-end]
}

func (m *Monitor) appendPaste(text string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return
	}

	m.stats.RawPastes++

	if m.pending != nil {
		// Inside the merge window: concatenate and restart the window.
		m.pending.text += text
		m.pending.merged++
		m.pending.timer.Reset(m.cfg.MergeWindow)
		return
	}

	p := &pendingPaste{text: text, merged: 1, first: at}
	p.timer = time.AfterFunc(m.cfg.MergeWindow, func() { m.flushPending(p) })
	m.pending = p
}

func (m *Monitor) flushPending(p *pendingPaste) {
	m.mu.Lock()
	if m.pending != p {
		m.mu.Unlock()
		return
	}
	m.pending = nil
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.emitPaste(p)
}

func (m *Monitor) emitPaste(p *pendingPaste) {
	text := p.text
	if text == "" {
		return
	}

	c := analyzer.Classify(text)
	weight := analyzer.PasteScore(len(text), c)

	self := m.matchesHistory(text)
	if self {
		weight /= selfPasteDivisor
	}

	m.mu.Lock()
	m.stats.Pastes++
	m.stats.TotalPastedChars += len(text)
	m.pasteTims = append(m.pasteTims, p.first)
	m.prunePasteTimes(p.first)
	m.mu.Unlock()

	m.sink(event.Event{
		Type:      event.TypeClipboardPaste,
		Timestamp: p.first.UnixMilli(),
		Weight:    weight,
		Metadata: event.PasteMeta{
			TextLength:   len(text),
			Preview:      truncate(text, m.cfg.PreviewLen),
			LineCount:    c.LineCount,
			WordCount:    c.WordCount,
			IsLikelyCode: c.IsLikelyCode,
			SelfPaste:    self,
			Merged:       p.merged,
		},
	})
}

// matchesHistory reports whether the pasted text matches a recent local copy.
func (m *Monitor) matchesHistory(text string) bool {
	needle := strings.TrimSpace(text)
	if needle == "" {
		return false
	}
	for _, entry := range m.history.Items() {
		if strings.TrimSpace(entry.text) == needle {
			return true
		}
	}
	return false
}

// prunePasteTimes drops timestamps outside the sliding rate window.
// Caller holds the lock.
func (m *Monitor) prunePasteTimes(now time.Time) {
	cutoff := now.Add(-rateWindow)
	kept := m.pasteTims[:0]
	for _, ts := range m.pasteTims {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	m.pasteTims = kept
}

// Statistics returns a snapshot of session clipboard activity.
func (m *Monitor) Statistics() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prunePasteTimes(time.Now())
	s := m.stats
	s.PastesLastMinute = len(m.pasteTims)
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back up to a rune boundary so the preview stays valid UTF-8.
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
