// Package session composes the detectors into a single proctoring session
// with batched delivery, a critical fast path, and risk aggregation.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vibecodejam/proctor/internal/clipboard"
	"github.com/vibecodejam/proctor/internal/devtools"
	"github.com/vibecodejam/proctor/internal/event"
	"github.com/vibecodejam/proctor/internal/extensions"
	"github.com/vibecodejam/proctor/internal/face"
	"github.com/vibecodejam/proctor/internal/risk"
	"github.com/vibecodejam/proctor/internal/transport"
)

// Defaults, overridable through Config.
const (
	DefaultBatchInterval     = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	sendTimeout              = 10 * time.Second
)

// Config wires a session to its environment. The detector bindings (Probe,
// DOM, camera Source, clipboard Reader) come from whatever host embeds the
// agent; a nil binding disables that detector.
type Config struct {
	SessionID         string // generated when empty
	APIBase           string // collector base URL, e.g. http://host/api/proctoring
	BatchInterval     time.Duration
	HeartbeatInterval time.Duration
	UseWebSocket      bool

	// PasteCriticalThreshold marks pastes above this many characters as
	// critical for the immediate-flush fast path.
	PasteCriticalThreshold int

	Clipboard  clipboard.Config
	DevTools   devtools.Config
	Extensions extensions.Config
	Face       face.Config

	Probe       devtools.Probe // nil disables DevTools polling
	DOM         extensions.DOM // nil disables extension scanning
	FaceSource  face.Source    // nil disables face presence
	FaceCounter face.Counter   // defaults to the motion heuristic

	HTTPClient *http.Client

	// Hooks for the embedding host. All optional; called outside the
	// session lock.
	OnEvent      func(event.Event)
	OnRiskUpdate func(transport.RiskUpdate)
	OnError      func(error)
}

func (c *Config) applyDefaults() {
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = DefaultBatchInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.PasteCriticalThreshold <= 0 {
		c.PasteCriticalThreshold = risk.LargePasteThreshold
	}
	if c.FaceCounter == nil {
		c.FaceCounter = face.NewMotionCounter()
	}
}

// Session is one proctored interview: detectors feeding a shared queue,
// delivered in batches with critical events flushed immediately.
type Session struct {
	cfg Config

	clipboard  *clipboard.Monitor
	devtools   *devtools.Detector
	extensions *extensions.Detector
	face       *face.Detector

	httpClient *transport.HTTPClient
	wsClient   *transport.WSClient

	score *risk.Accumulator

	mu      sync.Mutex
	started bool
	stopped bool
	queue   []event.Event

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a session with its detectors wired but not started.
func New(cfg Config) *Session {
	cfg.applyDefaults()

	s := &Session{
		cfg:   cfg,
		score: risk.NewAccumulator(),
		stop:  make(chan struct{}),
	}
	s.httpClient = transport.NewHTTPClient(cfg.APIBase, cfg.HTTPClient)

	s.clipboard = clipboard.NewMonitor(cfg.Clipboard, s.addEvent)
	s.devtools = devtools.NewDetector(cfg.DevTools, s.addEvent)
	s.extensions = extensions.NewDetector(cfg.Extensions, s.addEvent)

	if cfg.FaceSource != nil {
		faceCfg := cfg.Face
		if faceCfg.Uploader == nil {
			faceCfg.Uploader = &screenshotUploader{client: s.httpClient, sessionID: cfg.SessionID}
		}
		s.face = face.NewDetector(faceCfg, cfg.FaceSource, cfg.FaceCounter, s.addEvent)
	}

	if cfg.UseWebSocket {
		s.wsClient = transport.NewWSClient(transport.WSConfig{
			URL:       wsEndpoint(cfg.APIBase, cfg.SessionID),
			OnRisk:    s.applyServerRisk,
			OnWarning: func(msg string) { slog.Warn("Proctoring warning", "session_id", cfg.SessionID, "message", msg) },
			OnError:   s.reportError,
		})
	}
	return s
}

// SessionID returns the session identifier, generated if none was configured.
func (s *Session) SessionID() string { return s.cfg.SessionID }

// Start connects transports, emits session_start, and activates every bound
// detector. A failed WebSocket dial or camera init degrades the session
// rather than failing it.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("session already started")
	}
	s.started = true
	s.mu.Unlock()

	if s.wsClient != nil {
		if err := s.wsClient.Connect(ctx); err != nil {
			slog.Warn("WebSocket unavailable, falling back to HTTP batching", "error", err)
			s.reportError(err)
		}
	}

	s.addEvent(event.Event{Type: event.TypeSessionStart, Metadata: event.SessionMeta{}})

	s.clipboard.Start()
	if s.cfg.Probe != nil {
		s.devtools.Start(s.cfg.Probe)
	}
	if s.cfg.DOM != nil {
		s.extensions.Start(s.cfg.DOM)
	}
	if s.face != nil {
		if err := s.face.Initialize(ctx); err != nil {
			slog.Warn("Face detection unavailable", "error", err)
			s.reportError(err)
			s.face = nil
		} else if err := s.face.StartDetection(); err != nil {
			s.reportError(err)
			s.face = nil
		}
	}

	s.wg.Add(1)
	go s.deliveryLoop()

	slog.Info("Proctoring session started", "session_id", s.cfg.SessionID,
		"websocket", s.wsClient != nil, "face", s.face != nil)
	return nil
}

// Stop shuts the detectors down, flushes everything still queued, emits
// session_end with the final risk, and releases the transports. Idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	// Detectors first so their final events land in the closing flush.
	s.clipboard.Stop()
	s.devtools.Stop()
	s.extensions.Stop()
	if s.face != nil {
		s.face.Destroy()
	}

	final := s.score.Score()
	s.addEvent(event.Event{
		Type:     event.TypeSessionEnd,
		Metadata: event.SessionMeta{FinalRisk: final},
	})

	if started {
		close(s.stop)
		s.wg.Wait()
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	s.flush(ctx, false)
	cancel()

	if s.wsClient != nil {
		if err := s.wsClient.Close(); err != nil {
			slog.Debug("WebSocket close", "error", err)
		}
	}
	slog.Info("Proctoring session stopped", "session_id", s.cfg.SessionID, "final_risk", final)
}

// RiskScore returns the current aggregated risk (0..100).
func (s *Session) RiskScore() int { return s.score.Score() }

// RiskLevel returns the banded label for the current score.
func (s *Session) RiskLevel() string { return risk.Level(s.score.Score()) }

// ClipboardStats exposes the clipboard monitor's counters.
func (s *Session) ClipboardStats() clipboard.Stats { return s.clipboard.Statistics() }

// ObserveClipboard forwards a clipboard operation from the host environment.
func (s *Session) ObserveClipboard(op clipboard.Op) { s.clipboard.Observe(op) }

// HandleKeyChord forwards a keyboard chord to the DevTools detector.
func (s *Session) HandleKeyChord(chord string, at time.Time) {
	s.devtools.HandleKeyChord(chord, at)
}

// HandleFocusChange forwards window focus transitions to the DevTools
// detector's focus-timing heuristic and records the focus loss itself.
func (s *Session) HandleFocusChange(focused bool, at time.Time) {
	s.devtools.HandleFocusChange(focused, at)
	if !focused {
		s.addEvent(event.Event{
			Type:      event.TypeWindowBlur,
			Timestamp: at.UnixMilli(),
			Weight:    risk.DefaultWindowBlurWeight,
		})
	}
}

// HandleTabSwitch records the candidate switching to another tab.
func (s *Session) HandleTabSwitch(at time.Time) {
	s.addEvent(event.Event{
		Type:      event.TypeTabSwitch,
		Timestamp: at.UnixMilli(),
		Weight:    risk.DefaultTabSwitchWeight,
	})
}

// HandleVisibilityChange records the page being hidden.
func (s *Session) HandleVisibilityChange(hidden bool, at time.Time) {
	if hidden {
		s.addEvent(event.Event{
			Type:      event.TypeVisibilityHidden,
			Timestamp: at.UnixMilli(),
			Weight:    risk.DefaultVisibilityWeight,
		})
	}
}

// HandleDOMMutation triggers an immediate extension scan after a DOM change.
func (s *Session) HandleDOMMutation() {
	if s.cfg.DOM != nil {
		s.extensions.HandleMutation(s.cfg.DOM)
	}
}

// SubmitSnapshot sends the candidate's current code for originality analysis.
func (s *Session) SubmitSnapshot(ctx context.Context, taskID, code, language string) error {
	_, err := s.httpClient.SendSnapshot(ctx, transport.Snapshot{
		SessionID: s.cfg.SessionID,
		TaskID:    taskID,
		Code:      code,
		Language:  language,
		Timestamp: event.NowMillis(),
	})
	return err
}

// addEvent is the shared detector sink: stamp, score, queue, and fast-path
// critical events.
func (s *Session) addEvent(e event.Event) {
	if e.SessionID == "" {
		e.SessionID = s.cfg.SessionID
	}
	if e.Timestamp == 0 {
		e.Timestamp = event.NowMillis()
	}
	if e.Source == "" {
		e.Source = sourceFor(e.Type)
	}

	s.mu.Lock()
	if s.stopped && e.Type != event.TypeSessionEnd {
		// Stragglers after stop must not move the final score.
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	critical := e.Critical(s.cfg.PasteCriticalThreshold)
	s.mu.Unlock()

	if e.Weight > 0 {
		s.score.Add(e.Weight)
	}

	if s.cfg.OnEvent != nil {
		s.cfg.OnEvent(e)
	}

	if critical {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			s.flush(ctx, true)
		}()
	}
}

func (s *Session) deliveryLoop() {
	defer s.wg.Done()
	batch := time.NewTicker(s.cfg.BatchInterval)
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer batch.Stop()
	defer heartbeat.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-batch.C:
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			s.flush(ctx, false)
			cancel()
		case <-heartbeat.C:
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			if err := s.httpClient.Heartbeat(ctx, s.cfg.SessionID, time.Now()); err != nil {
				slog.Debug("Heartbeat failed", "error", err)
			}
			cancel()
		}
	}
}

// flush drains the queue and delivers it, preferring the WebSocket when
// connected. On failure events return to the front of the queue in their
// original order.
func (s *Session) flush(ctx context.Context, urgent bool) {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	events := s.queue
	s.queue = nil
	s.mu.Unlock()

	batch := transport.Batch{SessionID: s.cfg.SessionID, Events: events, Urgent: urgent}

	update, err := s.sendBatch(ctx, batch)
	if err != nil {
		slog.Debug("Batch delivery failed, re-queueing", "events", len(events), "error", err)
		s.reportError(err)
		s.mu.Lock()
		s.queue = append(events, s.queue...)
		s.mu.Unlock()
		return
	}
	if update != nil {
		s.applyServerRisk(*update)
	}
}

func (s *Session) sendBatch(ctx context.Context, batch transport.Batch) (*transport.RiskUpdate, error) {
	if s.wsClient != nil && s.wsClient.Connected() {
		if update, err := s.wsClient.SendBatch(ctx, batch); err == nil {
			return update, nil
		}
		// Socket just dropped: fall through to HTTP while it reconnects.
	}
	return s.httpClient.SendBatch(ctx, batch)
}

// applyServerRisk adopts the collector's recomputed score as authoritative.
func (s *Session) applyServerRisk(update transport.RiskUpdate) {
	s.score.Set(update.Score)
	if s.cfg.OnRiskUpdate != nil {
		s.cfg.OnRiskUpdate(update)
	}
}

func (s *Session) reportError(err error) {
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}

func sourceFor(t event.Type) string {
	switch t {
	case event.TypeClipboardCopy, event.TypeClipboardCut, event.TypeClipboardPaste:
		return event.SourceClipboard
	case event.TypeDevToolsDetected, event.TypeDevToolsShortcut:
		return event.SourceDevTools
	case event.TypeExtension:
		return event.SourceExtensions
	case event.TypePresenceChanged:
		return event.SourceFace
	default:
		return event.SourceSession
	}
}

func wsEndpoint(apiBase, sessionID string) string {
	url := apiBase
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return strings.TrimRight(url, "/") + "/ws/" + sessionID
}

// screenshotUploader adapts the HTTP client to the face detector's uploader.
type screenshotUploader struct {
	client    *transport.HTTPClient
	sessionID string
}

func (u *screenshotUploader) UploadScreenshot(ctx context.Context, shot *face.Screenshot) error {
	return u.client.UploadScreenshot(ctx, transport.ScreenshotMeta{
		SessionID: u.sessionID,
		Timestamp: shot.Timestamp,
		Severity:  string(shot.Severity),
		FaceCount: shot.FaceCount,
	}, shot.Image)
}
