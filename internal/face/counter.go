// Package face samples camera frames and tracks how many people are in view.
// Counting goes through a model backend when one is configured and reachable,
// with a brightness/motion heuristic as the fallback.
package face

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Box is a face bounding box in frame pixel coordinates.
type Box struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Frame is one captured camera sample. Gray is the luma plane (Width*Height
// bytes) used by the motion heuristic; JPEG is the encoded capture used for
// screenshots and model inference.
type Frame struct {
	Width  int
	Height int
	Gray   []byte
	JPEG   []byte
	At     time.Time
}

// Count is a counter verdict for one frame.
type Count struct {
	Faces int
	Boxes []Box
}

// Counter produces a person count for a frame.
type Counter interface {
	Name() string
	Count(ctx context.Context, frame Frame) (Count, error)
}

// Source delivers camera frames. Close must release the underlying camera
// track; it is called on every detector exit path.
type Source interface {
	Capture(ctx context.Context) (Frame, error)
	Close() error
}

// Motion heuristic tuning. The fallback cannot distinguish counts above one:
// any motion on a usable image is reported as a single person.
const (
	minUsableBrightness = 25  // below this the image is too dark to trust
	maxUsableBrightness = 235 // above this it is blown out
	motionDiffThreshold = 6   // mean absolute luma delta counting as motion
	stillSamplesForAway = 3   // consecutive still samples before count drops to 0
)

// MotionCounter is the heuristic fallback: brightness gates usability and
// inter-frame luma diff stands in for presence.
type MotionCounter struct {
	mu         sync.Mutex
	prev       []byte
	stillCount int
}

// NewMotionCounter returns a fresh motion-diff counter.
func NewMotionCounter() *MotionCounter {
	return &MotionCounter{}
}

// Name identifies the backend on emitted events.
func (m *MotionCounter) Name() string { return "motion_fallback" }

// Count implements Counter.
func (m *MotionCounter) Count(_ context.Context, frame Frame) (Count, error) {
	if len(frame.Gray) == 0 {
		return Count{}, fmt.Errorf("frame has no luma plane")
	}

	mean := meanByte(frame.Gray)
	if mean < minUsableBrightness || mean > maxUsableBrightness {
		// No usable image: treat as nobody in frame.
		m.mu.Lock()
		m.prev = nil
		m.stillCount = 0
		m.mu.Unlock()
		return Count{Faces: 0}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.prev
	m.prev = append([]byte(nil), frame.Gray...)

	if prev == nil || len(prev) != len(frame.Gray) {
		// First usable sample: assume the candidate is present.
		m.stillCount = 0
		return Count{Faces: 1}, nil
	}

	if meanAbsDiff(prev, frame.Gray) >= motionDiffThreshold {
		m.stillCount = 0
		return Count{Faces: 1}, nil
	}

	m.stillCount++
	if m.stillCount >= stillSamplesForAway {
		return Count{Faces: 0}, nil
	}
	return Count{Faces: 1}, nil
}

func meanByte(p []byte) int {
	if len(p) == 0 {
		return 0
	}
	var sum int64
	for _, b := range p {
		sum += int64(b)
	}
	return int(sum / int64(len(p)))
}

func meanAbsDiff(a, b []byte) int {
	var sum int64
	for i := range a {
		d := int(a[i]) - int(b[i])
		if d < 0 {
			d = -d
		}
		sum += int64(d)
	}
	return int(sum / int64(len(a)))
}

// ModelCounter asks a face-detection inference service for a count. It is
// selected at construction time when the service is configured and healthy.
type ModelCounter struct {
	endpoint string
	client   *http.Client
}

// NewModelCounter builds a model-backed counter for the given inference
// endpoint.
func NewModelCounter(endpoint string, client *http.Client) *ModelCounter {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &ModelCounter{endpoint: endpoint, client: client}
}

// Name identifies the backend on emitted events.
func (m *ModelCounter) Name() string { return "model" }

type inferenceResponse struct {
	Faces int   `json:"faces"`
	Boxes []Box `json:"boxes"`
}

// Count implements Counter by posting the JPEG frame to the inference
// service.
func (m *ModelCounter) Count(ctx context.Context, frame Frame) (Count, error) {
	if len(frame.JPEG) == 0 {
		return Count{}, fmt.Errorf("frame has no encoded image")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(frame.JPEG))
	if err != nil {
		return Count{}, fmt.Errorf("build inference request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := m.client.Do(req)
	if err != nil {
		return Count{}, fmt.Errorf("inference request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Count{}, fmt.Errorf("inference service returned %d", resp.StatusCode)
	}

	var parsed inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Count{}, fmt.Errorf("decode inference response: %w", err)
	}
	return Count{Faces: parsed.Faces, Boxes: parsed.Boxes}, nil
}
