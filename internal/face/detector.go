package face

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vibecodejam/proctor/internal/event"
	"github.com/vibecodejam/proctor/internal/ring"
	"github.com/vibecodejam/proctor/internal/risk"
)

// Defaults, overridable through Config.
const (
	DefaultSampleInterval = 3 * time.Second
	DefaultScreenshotCap  = 50
	captureTimeout        = 2 * time.Second
)

// Uploader ships captured screenshots to the collector.
type Uploader interface {
	UploadScreenshot(ctx context.Context, shot *Screenshot) error
}

// Config tunes the detector.
type Config struct {
	SampleInterval time.Duration
	ScreenshotCap  int
	WarnWeight     int      // weight suggested for 0-face transitions
	CritWeight     int      // weight suggested for >=2-face transitions
	Uploader       Uploader // optional; screenshots queue until acknowledged
}

func (c *Config) applyDefaults() {
	if c.SampleInterval <= 0 {
		c.SampleInterval = DefaultSampleInterval
	}
	if c.ScreenshotCap <= 0 {
		c.ScreenshotCap = DefaultScreenshotCap
	}
	if c.WarnWeight <= 0 {
		c.WarnWeight = risk.DefaultPresenceWarnWeight
	}
	if c.CritWeight <= 0 {
		c.CritWeight = risk.DefaultPresenceCritWeight
	}
}

// SeverityForCount applies the presence policy: nobody in frame is a warning
// ("stepped away"), one person is normal, two or more is critical ("extra
// person in frame").
func SeverityForCount(count int) event.Severity {
	switch {
	case count == 0:
		return event.SeverityWarning
	case count >= 2:
		return event.SeverityCritical
	default:
		return event.SeverityNormal
	}
}

// Detector periodically samples camera frames and emits presence_changed
// events on count transitions. Camera acquisition failures are loud at
// Initialize so the composing session can degrade to "feature unavailable".
type Detector struct {
	cfg     Config
	sink    func(event.Event)
	source  Source
	counter Counter

	mu           sync.Mutex
	initialized  bool
	running      bool
	destroyed    bool
	currentCount int
	shots        *ring.Buffer[*Screenshot]

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewDetector creates a face-presence detector reading frames from source and
// counting through counter.
func NewDetector(cfg Config, source Source, counter Counter, sink func(event.Event)) *Detector {
	cfg.applyDefaults()
	return &Detector{
		cfg:          cfg,
		sink:         sink,
		source:       source,
		counter:      counter,
		currentCount: 1, // assume the candidate is present until sampled
		shots:        ring.New[*Screenshot](cfg.ScreenshotCap),
	}
}

// Initialize verifies the camera delivers frames. It fails loudly on denial
// or a dead track, releasing the source before returning — the caller must
// treat the error as "face detection unavailable", not as fatal.
func (d *Detector) Initialize(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, captureTimeout)
	defer cancel()

	if _, err := d.source.Capture(ctx); err != nil {
		if closeErr := d.source.Close(); closeErr != nil {
			slog.Debug("Camera release after failed init", "error", closeErr)
		}
		return fmt.Errorf("acquire camera frame: %w", err)
	}

	d.mu.Lock()
	d.initialized = true
	d.mu.Unlock()
	return nil
}

// StartDetection begins sampling at the configured cadence.
func (d *Detector) StartDetection() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return fmt.Errorf("detector not initialized")
	}
	if d.running || d.destroyed {
		return nil
	}
	d.running = true
	d.stop = make(chan struct{})

	d.wg.Add(1)
	go d.sampleLoop()
	return nil
}

func (d *Detector) sampleLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.sample()
			d.retryUploads()
		}
	}
}

// sample captures one frame, counts, and emits on transitions.
func (d *Detector) sample() {
	ctx, cancel := context.WithTimeout(context.Background(), captureTimeout)
	defer cancel()

	frame, err := d.source.Capture(ctx)
	if err != nil {
		slog.Debug("Frame capture failed", "error", err)
		return
	}
	if frame.At.IsZero() {
		frame.At = time.Now()
	}

	count, err := d.counter.Count(ctx, frame)
	if err != nil {
		slog.Debug("Face count failed", "backend", d.counter.Name(), "error", err)
		return
	}

	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	previous := d.currentCount
	if count.Faces == previous {
		d.mu.Unlock()
		return
	}
	d.currentCount = count.Faces
	d.mu.Unlock()

	severity := SeverityForCount(count.Faces)
	weight := 0
	var shotID string

	if severity != event.SeverityNormal {
		shot := newScreenshot(frame, severity, count)
		d.shots.Push(shot)
		shotID = shot.ID
		if severity == event.SeverityCritical {
			weight = d.cfg.CritWeight
		} else {
			weight = d.cfg.WarnWeight
		}
		slog.Info("Presence transition", "faces", count.Faces, "severity", severity, "screenshot_id", shot.ID)
	}

	d.sink(event.Event{
		Type:      event.TypePresenceChanged,
		Timestamp: frame.At.UnixMilli(),
		Weight:    weight,
		Metadata: event.PresenceMeta{
			FaceCount:     count.Faces,
			PreviousCount: previous,
			Severity:      severity,
			Backend:       d.counter.Name(),
			ScreenshotID:  shotID,
		},
	})
}

// retryUploads pushes any unacknowledged screenshots to the uploader.
func (d *Detector) retryUploads() {
	if d.cfg.Uploader == nil {
		return
	}
	for _, shot := range d.shots.Items() {
		if shot.Uploaded {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := d.cfg.Uploader.UploadScreenshot(ctx, shot)
		cancel()
		if err != nil {
			slog.Debug("Screenshot upload failed, will retry", "id", shot.ID, "error", err)
			continue
		}
		shot.Uploaded = true
	}
}

// Screenshots returns the captured screenshot buffer, oldest first.
func (d *Detector) Screenshots() []*Screenshot {
	return d.shots.Items()
}

// CurrentCount returns the last sampled face count.
func (d *Detector) CurrentCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentCount
}

// Destroy stops sampling and releases the camera. Mandatory on session stop;
// idempotent.
func (d *Detector) Destroy() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	wasRunning := d.running
	d.running = false
	if wasRunning {
		close(d.stop)
	}
	d.mu.Unlock()

	if wasRunning {
		d.wg.Wait()
	}

	if err := d.source.Close(); err != nil {
		slog.Debug("Camera release failed", "error", err)
	}
}
