package face

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/vibecodejam/proctor/internal/event"
)

type eventSink struct {
	mu     sync.Mutex
	events []event.Event
}

func (s *eventSink) add(e event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *eventSink) presence() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Event
	for _, e := range s.events {
		if e.Type == event.TypePresenceChanged {
			out = append(out, e)
		}
	}
	return out
}

type fakeSource struct {
	mu       sync.Mutex
	err      error
	closed   bool
	captures int
}

func (s *fakeSource) Capture(context.Context) (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captures++
	if s.err != nil {
		return Frame{}, s.err
	}
	return Frame{Width: 4, Height: 4, Gray: make([]byte, 16), At: time.Now()}, nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type scriptedCounter struct {
	mu     sync.Mutex
	counts []int
	idx    int
}

func (c *scriptedCounter) Name() string { return "scripted" }

func (c *scriptedCounter) Count(context.Context, Frame) (Count, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idx >= len(c.counts) {
		return Count{Faces: c.counts[len(c.counts)-1]}, nil
	}
	n := c.counts[c.idx]
	c.idx++
	return Count{Faces: n}, nil
}

func TestInitializeFailureReleasesCamera(t *testing.T) {
	src := &fakeSource{err: errors.New("permission denied")}
	d := NewDetector(Config{}, src, NewMotionCounter(), (&eventSink{}).add)

	if err := d.Initialize(context.Background()); err == nil {
		t.Fatal("Expected loud failure when camera is denied")
	}
	if !src.isClosed() {
		t.Errorf("Camera must be released on initialization failure")
	}
}

func TestTransitionsEmitPresenceEvents(t *testing.T) {
	sink := &eventSink{}
	src := &fakeSource{}
	counter := &scriptedCounter{counts: []int{1, 0, 0, 2, 1}}
	d := NewDetector(Config{SampleInterval: time.Hour}, src, counter, sink.add)

	if err := d.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	d.mu.Lock()
	d.running = true
	d.stop = make(chan struct{})
	d.mu.Unlock()
	defer d.Destroy()

	for i := 0; i < 5; i++ {
		d.sample()
	}

	events := sink.presence()
	// 1 (baseline, no event), 1→0 warning, 0→0 suppressed, 0→2 critical, 2→1 normal.
	if len(events) != 3 {
		t.Fatalf("Expected 3 presence transitions, got %d", len(events))
	}

	warn := events[0].Metadata.(event.PresenceMeta)
	if warn.Severity != event.SeverityWarning || warn.FaceCount != 0 || warn.PreviousCount != 1 {
		t.Errorf("Unexpected warning transition: %+v", warn)
	}
	if warn.ScreenshotID == "" {
		t.Errorf("Warning transition must capture a screenshot")
	}

	crit := events[1].Metadata.(event.PresenceMeta)
	if crit.Severity != event.SeverityCritical || crit.FaceCount != 2 {
		t.Errorf("Unexpected critical transition: %+v", crit)
	}
	if events[1].Weight <= events[0].Weight {
		t.Errorf("Critical weight %d should exceed warning weight %d", events[1].Weight, events[0].Weight)
	}

	normal := events[2].Metadata.(event.PresenceMeta)
	if normal.Severity != event.SeverityNormal || normal.ScreenshotID != "" {
		t.Errorf("Normal transition should not capture a screenshot: %+v", normal)
	}

	if got := len(d.Screenshots()); got != 2 {
		t.Errorf("Expected 2 screenshots buffered, got %d", got)
	}
}

func TestDestroyReleasesCameraAndStopsSampling(t *testing.T) {
	src := &fakeSource{}
	d := NewDetector(Config{SampleInterval: 5 * time.Millisecond}, src, NewMotionCounter(), (&eventSink{}).add)

	if err := d.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := d.StartDetection(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(25 * time.Millisecond)

	d.Destroy()
	d.Destroy() // idempotent

	if !src.isClosed() {
		t.Errorf("Camera must be released on destroy")
	}

	src.mu.Lock()
	captures := src.captures
	src.mu.Unlock()
	time.Sleep(25 * time.Millisecond)
	src.mu.Lock()
	after := src.captures
	src.mu.Unlock()
	if after != captures {
		t.Errorf("Sampling continued after destroy: %d -> %d", captures, after)
	}
}

type fakeUploader struct {
	mu    sync.Mutex
	fails int
	seen  []string
}

func (u *fakeUploader) UploadScreenshot(_ context.Context, shot *Screenshot) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fails > 0 {
		u.fails--
		return errors.New("collector unreachable")
	}
	u.seen = append(u.seen, shot.ID)
	return nil
}

func TestScreenshotUploadRetries(t *testing.T) {
	up := &fakeUploader{fails: 1}
	d := NewDetector(Config{Uploader: up}, &fakeSource{}, NewMotionCounter(), (&eventSink{}).add)

	shot := &Screenshot{ID: "s1", Severity: event.SeverityWarning}
	d.shots.Push(shot)

	d.retryUploads() // first attempt fails
	if shot.Uploaded {
		t.Fatal("Screenshot must stay queued after failed upload")
	}

	d.retryUploads() // second attempt succeeds
	if !shot.Uploaded {
		t.Fatal("Screenshot should be marked uploaded after ack")
	}

	d.retryUploads() // no duplicate upload once acknowledged
	up.mu.Lock()
	defer up.mu.Unlock()
	if len(up.seen) != 1 {
		t.Errorf("Expected exactly 1 successful upload, got %d", len(up.seen))
	}
}

func TestSeverityPolicy(t *testing.T) {
	cases := []struct {
		count int
		want  event.Severity
	}{
		{0, event.SeverityWarning},
		{1, event.SeverityNormal},
		{2, event.SeverityCritical},
		{5, event.SeverityCritical},
	}
	for _, tc := range cases {
		if got := SeverityForCount(tc.count); got != tc.want {
			t.Errorf("SeverityForCount(%d) = %s, want %s", tc.count, got, tc.want)
		}
	}
}

func TestMotionCounterDarkFrame(t *testing.T) {
	c := NewMotionCounter()
	frame := Frame{Width: 4, Height: 4, Gray: make([]byte, 16)} // all zeros: too dark

	count, err := c.Count(context.Background(), frame)
	if err != nil {
		t.Fatal(err)
	}
	if count.Faces != 0 {
		t.Errorf("Dark frame should count 0 faces, got %d", count.Faces)
	}
}

func TestMotionCounterStillThenAway(t *testing.T) {
	c := NewMotionCounter()
	still := Frame{Width: 4, Height: 4, Gray: fillBytes(16, 128)}

	// First usable sample assumes presence.
	if count, _ := c.Count(context.Background(), still); count.Faces != 1 {
		t.Fatalf("First usable sample should assume presence, got %d", count.Faces)
	}

	// Identical frames: still. After enough consecutive still samples, away.
	var last Count
	for i := 0; i < stillSamplesForAway; i++ {
		last, _ = c.Count(context.Background(), still)
	}
	if last.Faces != 0 {
		t.Errorf("Expected count 0 after %d still samples, got %d", stillSamplesForAway, last.Faces)
	}
}

func TestMotionCounterMotionMeansPresent(t *testing.T) {
	c := NewMotionCounter()
	a := Frame{Width: 4, Height: 4, Gray: fillBytes(16, 100)}
	b := Frame{Width: 4, Height: 4, Gray: fillBytes(16, 160)}

	c.Count(context.Background(), a)
	count, _ := c.Count(context.Background(), b)
	if count.Faces != 1 {
		t.Errorf("Inter-frame motion should count as presence, got %d", count.Faces)
	}
}

func TestModelCounter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "image/jpeg" {
			t.Errorf("Expected image/jpeg content type, got %s", r.Header.Get("Content-Type"))
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{"faces":2,"boxes":[{"x":1,"y":2,"w":10,"h":12},{"x":30,"y":2,"w":10,"h":12}]}`)); err != nil {
			t.Error(err)
		}
	}))
	defer srv.Close()

	c := NewModelCounter(srv.URL, srv.Client())
	count, err := c.Count(context.Background(), Frame{JPEG: []byte("not-a-real-jpeg")})
	if err != nil {
		t.Fatal(err)
	}
	if count.Faces != 2 || len(count.Boxes) != 2 {
		t.Errorf("Unexpected model count: %+v", count)
	}
}

func TestModelCounterErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewModelCounter(srv.URL, srv.Client())
	if _, err := c.Count(context.Background(), Frame{JPEG: []byte("x")}); err == nil {
		t.Error("Expected error for non-200 inference response")
	}
}

func fillBytes(n int, v byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = v
	}
	return p
}
