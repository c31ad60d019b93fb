// Package reasoning defines the boundary to the external multimodal
// reasoning oracle: the [Engine] interface, the request/outcome types
// exchanged across it, and validation of what the oracle returns.
//
// Session logic depends only on [Engine], so oracle backends can be swapped
// or mocked without touching the session state machine. Implementations live
// in the gemini, openai, and mock subpackages.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Mode distinguishes a provisional analysis of a stream prefix from the
// authoritative analysis run when streaming ends.
type Mode string

const (
	ModePartial Mode = "partial"
	ModeFinal   Mode = "final"
)

// CauseLabels lists the candidate causes the oracle is asked to rank.
var CauseLabels = []string{"hunger", "discomfort", "emotional_need", "unknown"}

// ErrInvalidOutcome wraps every validation failure of oracle output. Callers
// treat it exactly like a timeout: guidance unavailable, never coerced.
var ErrInvalidOutcome = errors.New("reasoning: invalid oracle outcome")

// Request carries one analysis call across the oracle boundary.
type Request struct {
	// Audio is the accumulated wire-format audio. May be empty for
	// text-contextual fallback engines.
	Audio    []byte
	MimeType string

	// Mode selects partial or final analysis.
	Mode Mode

	// OccurredAt is when the cry started.
	OccurredAt time.Time

	// CareSummary is a short natural-language summary of recent care events.
	// Empty for the control arm of an A/B comparison.
	CareSummary string

	// LimitedContext is set when the care summary is built from thin recent
	// history.
	LimitedContext bool

	// Priors are learned per-bucket cause weightings. Nil for the control arm.
	Priors map[string]float64

	// LastAnalysis is a textual summary of the most recent guidance for this
	// stream, if any. Text-only fallback engines lean on it in place of audio.
	LastAnalysis string
}

// Cause is one candidate explanation with its confidence.
type Cause struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Outcome is the structured cause distribution returned by an oracle.
// Causes are ordered by descending confidence; Causes[0] is the most likely.
type Outcome struct {
	Causes  []Cause
	Actions []string

	// Model identifies the backend that produced this outcome.
	Model string

	// Latency is the wall-clock duration of the oracle call.
	Latency time.Duration
}

// MostLikely returns the top-ranked cause. Only valid on a validated outcome.
func (o *Outcome) MostLikely() Cause {
	return o.Causes[0]
}

// Validate checks an oracle outcome against the boundary contract: the most
// likely cause must be present and every confidence must lie in [0, 1].
// Violations return [ErrInvalidOutcome]; they are never silently fixed up.
func Validate(o *Outcome) error {
	if o == nil || len(o.Causes) == 0 {
		return fmt.Errorf("%w: no causes returned", ErrInvalidOutcome)
	}
	if o.Causes[0].Label == "" {
		return fmt.Errorf("%w: most likely cause has no label", ErrInvalidOutcome)
	}
	for _, c := range o.Causes {
		if c.Confidence < 0 || c.Confidence > 1 {
			return fmt.Errorf("%w: confidence %.3f for %q out of range [0, 1]", ErrInvalidOutcome, c.Confidence, c.Label)
		}
	}
	return nil
}

// Engine is the narrow interface session logic calls to obtain guidance.
// Implementations must enforce a hard per-call timeout and return an error
// rather than hang: a stuck oracle call must never pin a session.
type Engine interface {
	Analyze(ctx context.Context, req Request) (*Outcome, error)
}
