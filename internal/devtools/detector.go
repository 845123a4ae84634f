// Package devtools infers whether browser developer tools are open from
// several independent side-channel heuristics, debounced through an explicit
// CLOSED/OPEN state machine.
package devtools

import (
	"log/slog"
	"sync"
	"time"

	"github.com/vibecodejam/proctor/internal/event"
	"github.com/vibecodejam/proctor/internal/risk"
)

// Heuristic method names carried on devtools_detected events.
const (
	MethodViewport = "viewport_delta"
	MethodTiming   = "debugger_timing"
	MethodFocus    = "focus_timing"
	MethodShortcut = "shortcut"
)

// Defaults, overridable through Config.
const (
	DefaultPollInterval      = time.Second
	DefaultViewportDeltaPx   = 120 // side/bottom dock panels are rarely narrower
	DefaultTimingThreshold   = 50 * time.Millisecond
	DefaultFocusRoundTripMin = 100 * time.Millisecond
	DefaultFocusRoundTripMax = 2 * time.Second
	DefaultCoolDown          = 4 * time.Second
)

// shortcuts that open developer tools. The attempt itself is signal, so these
// always emit devtools_shortcut regardless of the OPEN/CLOSED belief.
var shortcutChords = map[string]bool{
	"F12":          true,
	"Ctrl+Shift+I": true,
	"Ctrl+Shift+J": true,
	"Ctrl+Shift+C": true,
	"Ctrl+U":       true,
	"Cmd+Shift+I":  true,
	"Cmd+Shift+J":  true,
	"Cmd+Shift+C":  true,
	"Cmd+U":        true,
}

// Probe exposes the browser-side measurements the polling heuristics need.
type Probe interface {
	// Viewport returns the current inner viewport size in pixels.
	Viewport() (width, height int)
	// DebuggerDelay evaluates a debugger breakpoint statement and returns the
	// elapsed execution time. A paused debugger stretches this to tens of ms.
	DebuggerDelay() time.Duration
}

// ConsoleTap optionally wraps console methods as an informational signal.
// Implementations must snapshot the original bindings; Restore reinstates
// them and is always called on Stop.
type ConsoleTap interface {
	Install(onCall func(level string)) error
	Restore() error
}

// Config tunes the detector.
type Config struct {
	PollInterval      time.Duration
	ViewportDeltaPx   int
	TimingThreshold   time.Duration
	FocusRoundTripMin time.Duration
	FocusRoundTripMax time.Duration
	CoolDown          time.Duration

	OpenWeight     int // suggested weight for devtools_detected (open)
	ShortcutWeight int // suggested weight for devtools_shortcut

	Console ConsoleTap // optional
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ViewportDeltaPx <= 0 {
		c.ViewportDeltaPx = DefaultViewportDeltaPx
	}
	if c.TimingThreshold <= 0 {
		c.TimingThreshold = DefaultTimingThreshold
	}
	if c.FocusRoundTripMin <= 0 {
		c.FocusRoundTripMin = DefaultFocusRoundTripMin
	}
	if c.FocusRoundTripMax <= 0 {
		c.FocusRoundTripMax = DefaultFocusRoundTripMax
	}
	if c.CoolDown <= 0 {
		c.CoolDown = DefaultCoolDown
	}
	if c.OpenWeight <= 0 {
		c.OpenWeight = risk.DefaultDevToolsWeight
	}
	if c.ShortcutWeight <= 0 {
		c.ShortcutWeight = risk.DefaultShortcutWeight
	}
}

// Status is a snapshot of the detector's belief.
type Status struct {
	Open         bool   `json:"open"`
	LastMethod   string `json:"lastMethod,omitempty"`
	ConsoleCalls int    `json:"consoleCalls"`
}

// Detector maintains the DevTools OPEN/CLOSED belief. State transitions are
// centrally owned here: the first heuristic crossing its threshold opens,
// and the state returns to CLOSED only after CoolDown elapses with no
// corroborating signal.
type Detector struct {
	cfg  Config
	sink func(event.Event)
	now  func() time.Time

	mu           sync.Mutex
	active       bool
	open         bool
	lastMethod   string
	deadline     time.Time // cool-down expiry while open
	lastW, lastH int
	haveViewport bool
	blurredAt    time.Time
	consoleCalls int

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewDetector creates a detector delivering events to sink.
func NewDetector(cfg Config, sink func(event.Event)) *Detector {
	cfg.applyDefaults()
	return &Detector{
		cfg:  cfg,
		sink: sink,
		now:  time.Now,
	}
}

// Start begins polling the probe. Idempotent while running.
func (d *Detector) Start(probe Probe) {
	d.mu.Lock()
	if d.active {
		d.mu.Unlock()
		return
	}
	d.active = true
	d.stop = make(chan struct{})
	d.mu.Unlock()

	if d.cfg.Console != nil {
		if err := d.cfg.Console.Install(d.onConsoleCall); err != nil {
			slog.Debug("Console tap unavailable", "error", err)
		}
	}

	d.wg.Add(1)
	go d.pollLoop(probe)
}

func (d *Detector) pollLoop(probe Probe) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			if probe != nil {
				w, h := probe.Viewport()
				d.sampleViewport(w, h)
				d.sampleTiming(probe.DebuggerDelay())
			}
			d.checkCoolDown(d.now())
		}
	}
}

// Stop cancels polling and restores any console tap. Idempotent.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return
	}
	d.active = false
	close(d.stop)
	d.mu.Unlock()

	d.wg.Wait()

	if d.cfg.Console != nil {
		if err := d.cfg.Console.Restore(); err != nil {
			slog.Debug("Console tap restore failed", "error", err)
		}
	}
}

// sampleViewport feeds one viewport measurement to the delta heuristic.
// The first sample only establishes the baseline.
func (d *Detector) sampleViewport(w, h int) {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return
	}
	if !d.haveViewport {
		d.haveViewport = true
		d.lastW, d.lastH = w, h
		d.mu.Unlock()
		return
	}
	dw := abs(w - d.lastW)
	dh := abs(h - d.lastH)
	d.lastW, d.lastH = w, h
	d.mu.Unlock()

	if dw >= d.cfg.ViewportDeltaPx || dh >= d.cfg.ViewportDeltaPx {
		d.corroborate(MethodViewport, d.now())
	}
}

// sampleTiming feeds one debugger-statement timing to the side-channel
// heuristic.
func (d *Detector) sampleTiming(elapsed time.Duration) {
	if elapsed >= d.cfg.TimingThreshold {
		d.corroborate(MethodTiming, d.now())
	}
}

// HandleFocusChange feeds window blur/focus transitions. A blur→focus round
// trip between the configured bounds is weak evidence of a devtools pane.
func (d *Detector) HandleFocusChange(focused bool, at time.Time) {
	if at.IsZero() {
		at = d.now()
	}
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return
	}
	if !focused {
		d.blurredAt = at
		d.mu.Unlock()
		return
	}
	blurred := d.blurredAt
	d.blurredAt = time.Time{}
	d.mu.Unlock()

	if blurred.IsZero() {
		return
	}
	rt := at.Sub(blurred)
	if rt >= d.cfg.FocusRoundTripMin && rt <= d.cfg.FocusRoundTripMax {
		d.corroborate(MethodFocus, at)
	}
}

// HandleKeyChord feeds an intercepted keyboard chord. Known devtools
// shortcuts always emit devtools_shortcut, independent of the state machine.
func (d *Detector) HandleKeyChord(chord string, at time.Time) {
	if !shortcutChords[chord] {
		return
	}
	if at.IsZero() {
		at = d.now()
	}
	d.mu.Lock()
	active := d.active
	d.mu.Unlock()
	if !active {
		return
	}

	d.sink(event.Event{
		Type:      event.TypeDevToolsShortcut,
		Timestamp: at.UnixMilli(),
		Weight:    d.cfg.ShortcutWeight,
		Metadata:  event.ShortcutMeta{Shortcut: chord},
	})
	d.corroborate(MethodShortcut, at)
}

// corroborate registers a heuristic hit: opens the state machine if closed,
// otherwise just extends the cool-down. Exactly one devtools_detected event
// is emitted per sustained opening.
func (d *Detector) corroborate(method string, at time.Time) {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return
	}
	d.deadline = at.Add(d.cfg.CoolDown)
	if d.open {
		d.mu.Unlock()
		return
	}
	d.open = true
	d.lastMethod = method
	d.mu.Unlock()

	slog.Debug("DevTools open detected", "method", method)
	d.sink(event.Event{
		Type:      event.TypeDevToolsDetected,
		Timestamp: at.UnixMilli(),
		Weight:    d.cfg.OpenWeight,
		Metadata:  event.DevToolsMeta{IsOpen: true, Method: method},
	})
}

// checkCoolDown transitions back to CLOSED once the cool-down elapsed with
// no corroborating signal.
func (d *Detector) checkCoolDown(now time.Time) {
	d.mu.Lock()
	if !d.active || !d.open || now.Before(d.deadline) {
		d.mu.Unlock()
		return
	}
	d.open = false
	method := d.lastMethod
	d.mu.Unlock()

	slog.Debug("DevTools belief reset", "last_method", method)
	d.sink(event.Event{
		Type:      event.TypeDevToolsDetected,
		Timestamp: now.UnixMilli(),
		Metadata:  event.DevToolsMeta{IsOpen: false, Method: method},
	})
}

func (d *Detector) onConsoleCall(string) {
	d.mu.Lock()
	d.consoleCalls++
	d.mu.Unlock()
}

// Status returns the current belief snapshot.
func (d *Detector) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{Open: d.open, LastMethod: d.lastMethod, ConsoleCalls: d.consoleCalls}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
