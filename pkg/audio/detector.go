package audio

import (
	"fmt"
	"sync/atomic"
)

// MaxDetectorThreshold is the upper bound for the cry-detection threshold.
// RMS values for real-world infant crying sit well below 0.5, so anything
// above it would never trigger.
const MaxDetectorThreshold = 0.5

// LevelDetector raises a binary "cry started" edge the first time a frame's
// RMS amplitude exceeds the configured threshold while no streaming session
// is active. It carries no state across frames beyond the single
// session-active guard, which the session protocol clears when a stream
// reaches a terminal state.
//
// Safe for concurrent use, though frames are normally fed from a single
// capture goroutine.
type LevelDetector struct {
	threshold float64
	active    atomic.Bool
}

// NewLevelDetector creates a detector with the given threshold τ ∈ [0, 0.5].
// τ = 0 means "always on": the very first frame raises the edge regardless
// of its loudness.
func NewLevelDetector(threshold float64) (*LevelDetector, error) {
	if threshold < 0 || threshold > MaxDetectorThreshold {
		return nil, fmt.Errorf("audio: detector threshold %.3f out of range [0, %.1f]", threshold, MaxDetectorThreshold)
	}
	return &LevelDetector{threshold: threshold}, nil
}

// Feed analyses one frame and reports whether a cry edge was raised. An edge
// is raised at most once per session: the detector arms its guard on the
// triggering frame and stays silent until [LevelDetector.ClearActive] is
// called.
func (d *LevelDetector) Feed(frame Frame) bool {
	if d.active.Load() {
		return false
	}
	if d.threshold > 0 && RMS(frame.Samples) <= d.threshold {
		return false
	}
	// Arm the guard. CompareAndSwap keeps concurrent feeders from raising
	// two edges for the same session.
	return d.active.CompareAndSwap(false, true)
}

// Active reports whether a session is currently in flight.
func (d *LevelDetector) Active() bool { return d.active.Load() }

// ClearActive releases the session guard. Called when the stream reaches
// completed or expired so the next loud frame can start a new session.
func (d *LevelDetector) ClearActive() { d.active.Store(false) }
