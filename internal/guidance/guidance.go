// Package guidance post-processes validated oracle outcomes into the
// caregiver-facing guidance attached to events: confidence tiers, prior
// blending, uncertainty notes, and the fixed non-diagnostic notices.
package guidance

import (
	"github.com/soothelab/crysense/internal/reasoning"
)

// Tier is the discretised confidence level derived from the most likely
// cause's confidence.
type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

// Tier thresholds. Lower bounds are closed: exactly 0.75 is high and
// exactly 0.45 is medium.
const (
	highThreshold   = 0.75
	mediumThreshold = 0.45
)

// Prior blending weights: the oracle's confidence for the top cause is mixed
// with the learned prior for the same label.
const (
	modelWeight = 0.7
	priorWeight = 0.3
)

// Fixed caregiver notices. These are deliberately non-diagnostic.
const (
	// CryingNotice accompanies every cry-analysis result.
	CryingNotice = "This guidance is informational and does not replace professional medical advice. Contact a healthcare provider if you are worried about your baby."

	// UnavailableNotice replaces guidance when the oracle failed or returned
	// invalid output.
	UnavailableNotice = "AI guidance is temporarily unavailable for this event. Common soothing steps: offer a feed, check the diaper, and hold your baby close."

	// SafetyNotice is appended when several high-intensity cry episodes
	// cluster within an hour.
	SafetyNotice = "Several intense crying episodes were detected in the past hour. If the crying persists or your baby seems unwell, consider contacting a healthcare professional."

	// uncertaintyNote flags guidance computed from thin recent care history.
	uncertaintyNote = "Limited recent care data was available; this guidance relies mostly on the audio itself."
)

// Result is the guidance attached to a partial-update record or to a
// session's final event payload. Immutable once attached.
type Result struct {
	MostLikelyCause reasoning.Cause   `json:"mostLikelyCause"`
	Alternatives    []reasoning.Cause `json:"alternatives,omitempty"`
	Actions         []string          `json:"actions"`
	ConfidenceLevel Tier              `json:"confidenceLevel"`
	Notice          string            `json:"notice"`
	UncertaintyNote string            `json:"uncertaintyNote,omitempty"`
}

// Options carries the contextual inputs of post-processing.
type Options struct {
	// Priors are the learned cause weightings for the current time bucket.
	// Nil disables prior blending (control arm).
	Priors map[string]float64

	// LimitedContext is set when the recent-care summary is thin; it attaches
	// the uncertainty note.
	LimitedContext bool
}

// TierFor maps a confidence to its tier. Lower bounds are closed.
func TierFor(confidence float64) Tier {
	switch {
	case confidence >= highThreshold:
		return TierHigh
	case confidence >= mediumThreshold:
		return TierMedium
	default:
		return TierLow
	}
}

// FromOutcome converts a validated oracle outcome into a [Result]. The top
// cause's confidence is blended with its learned prior before the tier is
// derived, so a cause the household has repeatedly confirmed needs less
// model confidence to reach the same tier.
func FromOutcome(o *reasoning.Outcome, opts Options) *Result {
	top := o.MostLikely()
	if prior, ok := opts.Priors[top.Label]; ok {
		top.Confidence = modelWeight*top.Confidence + priorWeight*prior
	}

	res := &Result{
		MostLikelyCause: top,
		Actions:         append([]string(nil), o.Actions...),
		ConfidenceLevel: TierFor(top.Confidence),
		Notice:          CryingNotice,
	}
	if len(o.Causes) > 1 {
		res.Alternatives = append([]reasoning.Cause(nil), o.Causes[1:]...)
	}
	if opts.LimitedContext {
		res.UncertaintyNote = uncertaintyNote
	}
	return res
}

// Unavailable returns the fixed fallback result served when the oracle
// failed or produced invalid output. It never exposes the failure itself.
func Unavailable() *Result {
	return &Result{
		MostLikelyCause: reasoning.Cause{Label: "unknown"},
		ConfidenceLevel: TierLow,
		Notice:          UnavailableNotice,
	}
}

// Summary returns a short textual rendering of a result, used as analysis
// context for text-only fallback engines.
func (r *Result) Summary() string {
	if r == nil {
		return ""
	}
	return "most likely cause: " + r.MostLikelyCause.Label +
		" (confidence tier " + string(r.ConfidenceLevel) + ")"
}
