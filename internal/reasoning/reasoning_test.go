package reasoning

import (
	"errors"
	"testing"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		outcome *Outcome
		wantErr bool
	}{
		{
			name: "valid",
			outcome: &Outcome{Causes: []Cause{
				{Label: "hunger", Confidence: 0.7},
				{Label: "discomfort", Confidence: 0.2},
			}},
		},
		{
			name:    "boundary confidences",
			outcome: &Outcome{Causes: []Cause{{Label: "hunger", Confidence: 1}, {Label: "unknown", Confidence: 0}}},
		},
		{name: "nil outcome", outcome: nil, wantErr: true},
		{name: "no causes", outcome: &Outcome{}, wantErr: true},
		{
			name:    "unlabelled most likely",
			outcome: &Outcome{Causes: []Cause{{Confidence: 0.9}}},
			wantErr: true,
		},
		{
			name:    "confidence above one",
			outcome: &Outcome{Causes: []Cause{{Label: "hunger", Confidence: 1.4}}},
			wantErr: true,
		},
		{
			name: "negative alternative confidence",
			outcome: &Outcome{Causes: []Cause{
				{Label: "hunger", Confidence: 0.6},
				{Label: "discomfort", Confidence: -0.1},
			}},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(tc.outcome)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, want error %v", err, tc.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidOutcome) {
				t.Errorf("Validate() error %v does not wrap ErrInvalidOutcome", err)
			}
		})
	}
}
