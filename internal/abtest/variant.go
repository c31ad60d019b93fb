// Package abtest assigns live-guidance experiment variants. The treatment
// arm receives contextual reasoning (care summary and learned priors); the
// control arm is analysed from audio alone so the value of the context can
// be measured.
package abtest

import "crypto/md5"

// Variant is one arm of the guidance experiment.
type Variant string

const (
	// VariantTreatment analyses audio with recent-care context and priors.
	VariantTreatment Variant = "treatment"

	// VariantControl analyses audio with no context and no priors.
	VariantControl Variant = "control"
)

// Parse returns the variant named by s, or false for anything else.
func Parse(s string) (Variant, bool) {
	switch Variant(s) {
	case VariantTreatment, VariantControl:
		return Variant(s), true
	}
	return "", false
}

// Assign deterministically splits event ids into the two arms via an MD5
// hash, so the same event always lands in the same arm regardless of which
// process assigns it.
func Assign(eventID string) Variant {
	sum := md5.Sum([]byte(eventID))
	if sum[0]%2 == 0 {
		return VariantTreatment
	}
	return VariantControl
}
