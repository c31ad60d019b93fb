// Package mock provides a scripted reasoning engine for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/soothelab/crysense/internal/reasoning"
)

// Compile-time assertion that Engine implements reasoning.Engine.
var _ reasoning.Engine = (*Engine)(nil)

// Engine is a configurable reasoning.Engine double. It records every request
// and tracks the peak number of concurrent Analyze calls, which tests use to
// assert that at most one call per session is ever in flight.
type Engine struct {
	// AnalyzeFunc supplies the behaviour. When nil, Analyze returns a fixed
	// moderate-confidence outcome.
	AnalyzeFunc func(ctx context.Context, req reasoning.Request) (*reasoning.Outcome, error)

	// Delay is slept inside every call, simulating oracle latency.
	Delay time.Duration

	mu            sync.Mutex
	calls         []reasoning.Request
	inFlight      int
	maxConcurrent int
}

// New creates a mock engine with default behaviour.
func New() *Engine { return &Engine{} }

// Analyze implements reasoning.Engine.
func (e *Engine) Analyze(ctx context.Context, req reasoning.Request) (*reasoning.Outcome, error) {
	e.mu.Lock()
	e.calls = append(e.calls, req)
	e.inFlight++
	if e.inFlight > e.maxConcurrent {
		e.maxConcurrent = e.inFlight
	}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inFlight--
		e.mu.Unlock()
	}()

	if e.Delay > 0 {
		select {
		case <-time.After(e.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if e.AnalyzeFunc != nil {
		return e.AnalyzeFunc(ctx, req)
	}
	return &reasoning.Outcome{
		Causes: []reasoning.Cause{
			{Label: "hunger", Confidence: 0.6},
			{Label: "unknown", Confidence: 0.2},
		},
		Actions: []string{"Offer a feed"},
		Model:   "mock",
	}, nil
}

// Calls returns a copy of all recorded requests.
func (e *Engine) Calls() []reasoning.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]reasoning.Request(nil), e.calls...)
}

// CallCount returns the number of Analyze invocations so far.
func (e *Engine) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// MaxConcurrent returns the peak number of overlapping Analyze calls.
func (e *Engine) MaxConcurrent() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxConcurrent
}
