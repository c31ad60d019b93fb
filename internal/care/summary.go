// Package care derives recent-care context from the event history: the
// short natural-language summary passed to the reasoning oracle, the
// "context is limited" flag, and the high-intensity episode count behind the
// safety notice.
package care

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/soothelab/crysense/internal/event"
)

const (
	// summaryWindow is how far back the summary looks.
	summaryWindow = 12 * time.Hour

	// minContextEvents is the number of recent care events below which the
	// context counts as limited.
	minContextEvents = 3

	// safetyWindow is the lookback for clustered high-intensity episodes.
	safetyWindow = time.Hour

	// SafetyEpisodeThreshold is how many high-intensity cry episodes within
	// the safety window trigger the safety notice.
	SafetyEpisodeThreshold = 3
)

// Summary is the contextual input handed to the reasoning path.
type Summary struct {
	// Text is a short natural-language rendering of recent care events.
	Text string

	// Limited is set when too few recent events exist to trust the context.
	Limited bool
}

// Summarizer reads the event store to build care context.
type Summarizer struct {
	store event.Store
}

// NewSummarizer creates a summarizer over the given store.
func NewSummarizer(store event.Store) *Summarizer {
	return &Summarizer{store: store}
}

// Recent builds the care summary as of now.
func (s *Summarizer) Recent(ctx context.Context, now time.Time) (Summary, error) {
	events, err := s.store.Since(ctx, now.Add(-summaryWindow))
	if err != nil {
		return Summary{}, fmt.Errorf("care: load recent events: %w", err)
	}

	// Events arrive newest first; keep the most recent of each care type.
	latest := map[string]time.Time{}
	careCount := 0
	for _, ev := range events {
		if ev.Category != event.CategoryCare {
			continue
		}
		careCount++
		if _, ok := latest[ev.Type]; !ok {
			latest[ev.Type] = ev.OccurredAt
		}
	}

	var parts []string
	for _, typ := range []string{event.TypeFeeding, event.TypeDiaper, event.TypeSleep} {
		if at, ok := latest[typ]; ok {
			parts = append(parts, fmt.Sprintf("last %s %s ago", typ, now.Sub(at).Round(time.Minute)))
		}
	}
	text := "No care events logged in the last 12 hours."
	if len(parts) > 0 {
		text = strings.Join(parts, ", ") + "."
	}

	return Summary{Text: text, Limited: careCount < minContextEvents}, nil
}

// HighIntensityEpisodes counts cry events in the past hour whose audio
// analysis marked the crying as high intensity.
func (s *Summarizer) HighIntensityEpisodes(ctx context.Context, now time.Time) (int, error) {
	events, err := s.store.Since(ctx, now.Add(-safetyWindow))
	if err != nil {
		return 0, fmt.Errorf("care: load cry events: %w", err)
	}
	count := 0
	for _, ev := range events {
		if ev.Category != event.CategoryCry || ev.Payload.AudioAnalysis == nil {
			continue
		}
		if intensity, _ := ev.Payload.AudioAnalysis["intensity"].(string); intensity == "high" {
			count++
		}
	}
	return count, nil
}
