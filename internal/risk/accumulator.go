package risk

import "sync"

// Accumulator is the running, clamped session suspicion score. It is owned
// exclusively by the proctoring session; detectors only suggest weights.
type Accumulator struct {
	mu    sync.Mutex
	score int
}

// NewAccumulator returns an accumulator starting at zero.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Add folds a weight into the score and returns the clamped result.
// Negative weights are allowed and clamp at the low end.
func (a *Accumulator) Add(weight int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.score = clamp(a.score + weight)
	return a.score
}

// Set replaces the score with a server-provided value, clamped.
func (a *Accumulator) Set(score int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.score = clamp(score)
	return a.score
}

// Score returns the current clamped score.
func (a *Accumulator) Score() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.score
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
