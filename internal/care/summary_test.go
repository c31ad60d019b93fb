package care

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/soothelab/crysense/internal/event"
)

func saveEvent(t *testing.T, s event.Store, typ, category string, at time.Time, analysis map[string]any) {
	t.Helper()
	ev := event.New(typ, event.SourceManual, category, at)
	ev.Payload.AudioAnalysis = analysis
	if err := s.Save(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
}

func TestRecentSummary(t *testing.T) {
	t.Parallel()

	store := event.NewMemStore()
	now := time.Date(2026, 8, 27, 15, 0, 0, 0, time.UTC)
	saveEvent(t, store, event.TypeFeeding, event.CategoryCare, now.Add(-2*time.Hour), nil)
	saveEvent(t, store, event.TypeFeeding, event.CategoryCare, now.Add(-6*time.Hour), nil)
	saveEvent(t, store, event.TypeDiaper, event.CategoryCare, now.Add(-45*time.Minute), nil)

	sum, err := NewSummarizer(store).Recent(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(sum.Text, "last feeding 2h0m0s ago") {
		t.Errorf("summary %q missing latest feeding", sum.Text)
	}
	if !strings.Contains(sum.Text, "last diaper 45m0s ago") {
		t.Errorf("summary %q missing diaper change", sum.Text)
	}
	if sum.Limited {
		t.Error("three care events marked as limited context")
	}
}

func TestRecentSummaryLimitedContext(t *testing.T) {
	t.Parallel()

	store := event.NewMemStore()
	now := time.Now().UTC()
	saveEvent(t, store, event.TypeFeeding, event.CategoryCare, now.Add(-time.Hour), nil)

	sum, err := NewSummarizer(store).Recent(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if !sum.Limited {
		t.Error("one care event not marked as limited context")
	}

	empty, err := NewSummarizer(event.NewMemStore()).Recent(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if !empty.Limited || !strings.Contains(empty.Text, "No care events") {
		t.Errorf("empty store summary = %+v", empty)
	}
}

func TestHighIntensityEpisodes(t *testing.T) {
	t.Parallel()

	store := event.NewMemStore()
	now := time.Now().UTC()
	high := map[string]any{"intensity": "high"}
	saveEvent(t, store, event.TypeCrying, event.CategoryCry, now.Add(-10*time.Minute), high)
	saveEvent(t, store, event.TypeCrying, event.CategoryCry, now.Add(-30*time.Minute), high)
	saveEvent(t, store, event.TypeCrying, event.CategoryCry, now.Add(-50*time.Minute), map[string]any{"intensity": "low"})
	// Outside the one-hour window.
	saveEvent(t, store, event.TypeCrying, event.CategoryCry, now.Add(-2*time.Hour), high)

	n, err := NewSummarizer(store).HighIntensityEpisodes(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("counted %d high-intensity episodes, want 2", n)
	}
}
