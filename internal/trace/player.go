package trace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vibecodejam/proctor/internal/clipboard"
	"github.com/vibecodejam/proctor/internal/extensions"
	"github.com/vibecodejam/proctor/internal/face"
)

// Host is the slice of the session the player drives directly. The polled
// surfaces (viewport, DOM, camera) are read from the player itself.
type Host interface {
	ObserveClipboard(op clipboard.Op)
	HandleKeyChord(chord string, at time.Time)
	HandleFocusChange(focused bool, at time.Time)
	HandleTabSwitch(at time.Time)
	HandleVisibilityChange(hidden bool, at time.Time)
	HandleDOMMutation()
	SubmitSnapshot(ctx context.Context, taskID, code, language string) error
}

// Player replays a trace against a session. It doubles as the simulated
// browser environment: it implements the DevTools probe, the extension
// scanner's DOM, and the camera source/counter pair, all fed from the trace.
type Player struct {
	mu         sync.Mutex
	width      int
	height     int
	debugDelay time.Duration
	selectors  map[string]bool
	globals    map[string]bool
	scripts    []extensions.Script
	faces      int
	brightness byte
}

// NewPlayer creates a player with a quiet default environment: a laptop-ish
// viewport, an empty document, and one face in frame.
func NewPlayer() *Player {
	return &Player{
		width:      1280,
		height:     800,
		selectors:  make(map[string]bool),
		globals:    make(map[string]bool),
		faces:      1,
		brightness: 128,
	}
}

// Viewport implements devtools.Probe.
func (p *Player) Viewport() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.width, p.height
}

// DebuggerDelay implements devtools.Probe.
func (p *Player) DebuggerDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.debugDelay
}

// Query implements extensions.DOM by exact selector membership.
func (p *Player) Query(selector string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selectors[selector]
}

// Global implements extensions.DOM.
func (p *Player) Global(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.globals[path]
}

// Scripts implements extensions.DOM.
func (p *Player) Scripts() []extensions.Script {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]extensions.Script, len(p.scripts))
	copy(out, p.scripts)
	return out
}

// Capture implements face.Source with a synthetic uniform frame.
func (p *Player) Capture(context.Context) (face.Frame, error) {
	p.mu.Lock()
	brightness := p.brightness
	p.mu.Unlock()

	gray := make([]byte, 16*16)
	for i := range gray {
		gray[i] = brightness
	}
	return face.Frame{Width: 16, Height: 16, Gray: gray, At: time.Now()}, nil
}

// Close implements face.Source.
func (p *Player) Close() error { return nil }

// Name implements face.Counter.
func (p *Player) Name() string { return "trace" }

// Count implements face.Counter by reporting the trace's scripted face count.
func (p *Player) Count(context.Context, face.Frame) (face.Count, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return face.Count{Faces: p.faces}, nil
}

// Replay walks the trace in order, sleeping the recorded gaps divided by
// speed (0 or negative means no sleeping), updating the simulated
// environment, and pushing direct observations into host.
func (p *Player) Replay(ctx context.Context, records []Record, host Host, speed float64) error {
	var elapsed int64
	for i, rec := range records {
		if gap := rec.At - elapsed; gap > 0 && speed > 0 {
			wait := time.Duration(float64(gap) * float64(time.Millisecond) / speed)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		elapsed = rec.At

		if err := p.apply(ctx, rec, host); err != nil {
			return fmt.Errorf("trace record %d (%s at %dms): %w", i+1, rec.Kind, rec.At, err)
		}
	}
	return nil
}

func (p *Player) apply(ctx context.Context, rec Record, host Host) error {
	now := time.Now()
	switch rec.Kind {
	case KindClipboard:
		host.ObserveClipboard(clipboard.Op{
			Kind:         clipboard.Kind(rec.Clipboard.Kind),
			Text:         rec.Clipboard.Text,
			TargetBefore: rec.Clipboard.TargetBefore,
			TargetAfter:  rec.Clipboard.TargetAfter,
			At:           now,
		})
	case KindViewport:
		p.mu.Lock()
		p.width = rec.Viewport.Width
		p.height = rec.Viewport.Height
		p.debugDelay = time.Duration(rec.Viewport.DebugDelayMS) * time.Millisecond
		p.mu.Unlock()
	case KindChord:
		host.HandleKeyChord(rec.Chord, now)
	case KindFocus:
		host.HandleFocusChange(*rec.Focused, now)
	case KindTab:
		host.HandleTabSwitch(now)
	case KindVisibility:
		host.HandleVisibilityChange(*rec.Hidden, now)
	case KindDOM:
		p.mu.Lock()
		p.selectors = make(map[string]bool, len(rec.DOM.Selectors))
		for _, sel := range rec.DOM.Selectors {
			p.selectors[sel] = true
		}
		p.globals = make(map[string]bool, len(rec.DOM.Globals))
		for _, g := range rec.DOM.Globals {
			p.globals[g] = true
		}
		p.scripts = p.scripts[:0]
		for _, s := range rec.DOM.Scripts {
			p.scripts = append(p.scripts, extensions.Script{Src: s.Src, Inline: s.Inline})
		}
		p.mu.Unlock()
		host.HandleDOMMutation()
	case KindFrame:
		p.mu.Lock()
		p.faces = rec.Frame.Faces
		if rec.Frame.Brightness > 0 {
			p.brightness = rec.Frame.Brightness
		}
		p.mu.Unlock()
	case KindSnapshot:
		return host.SubmitSnapshot(ctx, rec.Snapshot.TaskID, rec.Snapshot.Code, rec.Snapshot.Language)
	}
	return nil
}
