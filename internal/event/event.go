// Package event defines the persisted care-event model and its stores.
//
// Every interaction with the system — a live cry stream, a one-shot cry
// upload, a manually logged feed — becomes one event row. Live streaming
// sessions reference their backing event by id and write their final
// guidance into its payload.
package event

import (
	"context"
	"errors"
	"time"

	"github.com/soothelab/crysense/internal/guidance"
)

// Event types.
const (
	TypeCrying  = "crying"
	TypeFeeding = "feeding"
	TypeDiaper  = "diaper"
	TypeSleep   = "sleep"
	TypeNote    = "note"
)

// Event sources.
const (
	SourceLiveStream = "live_stream"
	SourceUpload     = "upload"
	SourceManual     = "manual"
)

// Event categories.
const (
	CategoryCry  = "cry_event"
	CategoryCare = "care_event"
)

// ErrNotFound is returned by store lookups for unknown event ids.
var ErrNotFound = errors.New("event: not found")

// Event is one persisted care event.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurredAt"`
	Source     string    `json:"source"`
	Category   string    `json:"category"`
	Payload    Payload   `json:"payload"`
	Tags       []string  `json:"tags"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Payload holds the structured body of an event. All fields are optional;
// which ones are present depends on the event type and lifecycle stage.
type Payload struct {
	AudioAnalysis  map[string]any   `json:"audioAnalysis,omitempty"`
	AIGuidance     *guidance.Result `json:"aiGuidance,omitempty"`
	AIMeta         *AIMeta          `json:"aiMeta,omitempty"`
	Notice         string           `json:"notice,omitempty"`
	ABTest         *ABComparison    `json:"abTest,omitempty"`
	Streaming      *Streaming       `json:"streaming,omitempty"`
	UserFeedback   *UserFeedback    `json:"userFeedback,omitempty"`
	LearningUpdate *LearningUpdate  `json:"learningUpdate,omitempty"`
	Note           string           `json:"note,omitempty"`
}

// AIMeta records how a guidance result was produced.
type AIMeta struct {
	Model     string `json:"model"`
	Mode      string `json:"mode"`
	LatencyMS int64  `json:"latencyMs"`
	ABVariant string `json:"abVariant,omitempty"`
}

// ABComparison stores the control-arm outcome next to the treatment result
// so uplift can be computed offline.
type ABComparison struct {
	Variant      string `json:"variant"`
	ControlCause string `json:"controlCause,omitempty"`
	ControlTier  string `json:"controlTier,omitempty"`
}

// Streaming mirrors a live session's state into the event payload.
type Streaming struct {
	StreamID       string          `json:"streamId"`
	Status         string          `json:"status"`
	ChunksReceived int             `json:"chunksReceived"`
	PartialUpdates []PartialUpdate `json:"partialUpdates"`
}

// PartialUpdate is one recorded partial-guidance snapshot.
type PartialUpdate struct {
	At         time.Time        `json:"at"`
	ChunkCount int              `json:"chunkCount"`
	Guidance   *guidance.Result `json:"guidance"`
}

// UserFeedback is the caregiver's verdict on a guidance result.
type UserFeedback struct {
	Helpful     bool      `json:"helpful"`
	ActualCause string    `json:"actualCause,omitempty"`
	Comment     string    `json:"comment,omitempty"`
	At          time.Time `json:"at"`
}

// LearningUpdate records a prior adjustment triggered by feedback.
type LearningUpdate struct {
	Bucket string  `json:"bucket"`
	Label  string  `json:"label"`
	Before float64 `json:"before"`
	After  float64 `json:"after"`
}

// New creates an event with a fresh id and CreatedAt set to now.
func New(typ, source, category string, occurredAt time.Time) *Event {
	return &Event{
		ID:         NewID("evt"),
		Type:       typ,
		OccurredAt: occurredAt,
		Source:     source,
		Category:   category,
		CreatedAt:  time.Now().UTC(),
	}
}

// Store is the persistence boundary for events. Implementations must be safe
// for concurrent use.
type Store interface {
	// Save inserts a new event.
	Save(ctx context.Context, ev *Event) error

	// Get returns the event with the given id, or [ErrNotFound].
	Get(ctx context.Context, id string) (*Event, error)

	// Update replaces the stored payload and tags of an existing event.
	Update(ctx context.Context, ev *Event) error

	// Recent returns up to limit events ordered by occurrence, newest first.
	Recent(ctx context.Context, limit int) ([]*Event, error)

	// Since returns all events that occurred at or after cutoff, newest first.
	Since(ctx context.Context, cutoff time.Time) ([]*Event, error)

	// Close releases the underlying storage handle.
	Close() error
}
