// Package priors maintains the learned per-time-bucket cause weightings.
//
// Two buckets exist, day and night, each a normalised weighting over the
// candidate cry causes. The reasoning path reads the bucket matching the
// cry's wall-clock time; caregiver feedback nudges the guided label's weight
// up or down. State persists as a small JSON file.
package priors

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	BucketDay   = "day"
	BucketNight = "night"
)

// Feedback moves the guided label's weight by this much per event, clamped
// to [minWeight, maxWeight] before renormalisation.
const (
	feedbackDelta = 0.05
	minWeight     = 0.05
	maxWeight     = 0.9
)

// defaultWeights seed a bucket that has never received feedback.
var defaultWeights = map[string]float64{
	"hunger":         0.35,
	"discomfort":     0.30,
	"emotional_need": 0.20,
	"unknown":        0.15,
}

// BucketFor maps a wall-clock time to its prior bucket. Night runs from
// 20:00 to 06:00 local time.
func BucketFor(t time.Time) string {
	h := t.Hour()
	if h >= 20 || h < 6 {
		return BucketNight
	}
	return BucketDay
}

// Update records one feedback-driven prior adjustment.
type Update struct {
	Bucket string
	Label  string
	Before float64
	After  float64
}

// Store holds both buckets in memory and mirrors every change to a JSON
// file. Safe for concurrent use.
type Store struct {
	path string

	mu      sync.Mutex
	buckets map[string]map[string]float64
}

// NewStore loads the priors file at path, seeding missing buckets with the
// default weights. The file is created on the first write.
func NewStore(path string) (*Store, error) {
	s := &Store{
		path:    path,
		buckets: map[string]map[string]float64{},
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &s.buckets); err != nil {
			return nil, fmt.Errorf("priors: parse %q: %w", path, err)
		}
	case os.IsNotExist(err):
		// First run; defaults fill in below.
	default:
		return nil, fmt.Errorf("priors: read %q: %w", path, err)
	}

	for _, bucket := range []string{BucketDay, BucketNight} {
		if _, ok := s.buckets[bucket]; !ok {
			s.buckets[bucket] = copyWeights(defaultWeights)
		}
	}
	return s, nil
}

// Weights returns a copy of the named bucket's weighting. Unknown bucket
// names return the defaults.
func (s *Store) Weights(bucket string) map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.buckets[bucket]
	if !ok {
		w = defaultWeights
	}
	return copyWeights(w)
}

// ApplyFeedback nudges label's weight in bucket by the feedback delta —
// up when the guidance was helpful, down otherwise — clamps it, and
// renormalises the bucket so the weights stay a distribution. The change is
// persisted before returning.
func (s *Store) ApplyFeedback(bucket, label string, helpful bool) (Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.buckets[bucket]
	if !ok {
		return Update{}, fmt.Errorf("priors: unknown bucket %q", bucket)
	}
	before, ok := w[label]
	if !ok {
		return Update{}, fmt.Errorf("priors: unknown cause %q", label)
	}

	next := before - feedbackDelta
	if helpful {
		next = before + feedbackDelta
	}
	if next < minWeight {
		next = minWeight
	} else if next > maxWeight {
		next = maxWeight
	}
	w[label] = next
	normalize(w)

	if err := s.saveLocked(); err != nil {
		return Update{}, err
	}
	return Update{Bucket: bucket, Label: label, Before: before, After: w[label]}, nil
}

// saveLocked writes the buckets to disk. Caller holds mu.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.buckets, "", "  ")
	if err != nil {
		return fmt.Errorf("priors: marshal: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("priors: create dir: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("priors: write %q: %w", s.path, err)
	}
	return nil
}

func normalize(w map[string]float64) {
	var sum float64
	for _, v := range w {
		sum += v
	}
	if sum <= 0 {
		return
	}
	for k, v := range w {
		w[k] = v / sum
	}
}

func copyWeights(w map[string]float64) map[string]float64 {
	cp := make(map[string]float64, len(w))
	for k, v := range w {
		cp[k] = v
	}
	return cp
}
