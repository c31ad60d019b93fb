package resilience

import (
	"context"

	"github.com/soothelab/crysense/internal/reasoning"
)

// OracleFallback implements [reasoning.Engine] with automatic failover across
// multiple reasoning backends. Each backend has its own circuit breaker; when
// the primary fails or its breaker is open, the next healthy fallback is tried.
type OracleFallback struct {
	group *FallbackGroup[reasoning.Engine]
}

// Compile-time interface assertion.
var _ reasoning.Engine = (*OracleFallback)(nil)

// NewOracleFallback creates an [OracleFallback] with primary as the preferred
// backend.
func NewOracleFallback(primary reasoning.Engine, primaryName string, cfg FallbackConfig) *OracleFallback {
	return &OracleFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional reasoning engine as a fallback.
func (f *OracleFallback) AddFallback(name string, engine reasoning.Engine) {
	f.group.AddFallback(name, engine)
}

// Analyze sends the request to the first healthy engine and returns its
// outcome. Context cancellation is reported as a failure to the entry's
// breaker, so a caller-side timeout that fires repeatedly will open it.
func (f *OracleFallback) Analyze(ctx context.Context, req reasoning.Request) (*reasoning.Outcome, error) {
	return ExecuteWithResult(f.group, func(e reasoning.Engine) (*reasoning.Outcome, error) {
		return e.Analyze(ctx, req)
	})
}
