package audio

import (
	"testing"
	"time"
)

func frameOf(level float32, n int) Frame {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = level
	}
	return Frame{Samples: samples, SampleRate: 16000, Channels: 1, Timestamp: time.Now()}
}

func TestNewLevelDetectorThresholdRange(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		threshold float64
		wantErr   bool
	}{
		{-0.01, true},
		{0, false},
		{0.2, false},
		{0.5, false},
		{0.51, true},
	} {
		_, err := NewLevelDetector(tc.threshold)
		if gotErr := err != nil; gotErr != tc.wantErr {
			t.Errorf("NewLevelDetector(%v) error = %v, want error %v", tc.threshold, err, tc.wantErr)
		}
	}
}

func TestLevelDetectorEdge(t *testing.T) {
	t.Parallel()

	d, err := NewLevelDetector(0.2)
	if err != nil {
		t.Fatal(err)
	}

	if d.Feed(frameOf(0.05, 160)) {
		t.Error("quiet frame raised an edge")
	}
	if !d.Feed(frameOf(0.8, 160)) {
		t.Error("loud frame did not raise an edge")
	}
	if !d.Active() {
		t.Error("detector not active after edge")
	}
	if d.Feed(frameOf(0.9, 160)) {
		t.Error("detector re-triggered while session active")
	}

	d.ClearActive()
	if !d.Feed(frameOf(0.8, 160)) {
		t.Error("detector did not re-arm after ClearActive")
	}
}

func TestLevelDetectorZeroThresholdAlwaysOn(t *testing.T) {
	t.Parallel()

	d, err := NewLevelDetector(0)
	if err != nil {
		t.Fatal(err)
	}
	// τ = 0: the very first frame triggers, silence included.
	if !d.Feed(frameOf(0, 160)) {
		t.Error("silent frame did not trigger with zero threshold")
	}
}
