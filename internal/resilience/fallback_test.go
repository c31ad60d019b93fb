package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/soothelab/crysense/internal/reasoning"
	"github.com/soothelab/crysense/internal/reasoning/mock"
)

func TestFallbackGroupTriesEntriesInOrder(t *testing.T) {
	t.Parallel()

	fg := NewFallbackGroup("primary", "primary", FallbackConfig{})
	fg.AddFallback("secondary", "secondary")

	var tried []string
	err := fg.Execute(func(name string) error {
		tried = append(tried, name)
		if name == "primary" {
			return errors.New("primary down")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(tried) != 2 || tried[0] != "primary" || tried[1] != "secondary" {
		t.Fatalf("tried = %v, want [primary secondary]", tried)
	}
}

func TestFallbackGroupAllFailed(t *testing.T) {
	t.Parallel()

	fg := NewFallbackGroup(1, "one", FallbackConfig{})
	fg.AddFallback("two", 2)

	err := fg.Execute(func(int) error { return errors.New("boom") })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestFallbackGroupSkipsOpenBreaker(t *testing.T) {
	t.Parallel()

	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "secondary")

	// Trip the primary's breaker.
	fg.Execute(func(name string) error {
		if name == "primary" {
			return errors.New("boom")
		}
		return nil
	})

	var tried []string
	if err := fg.Execute(func(name string) error {
		tried = append(tried, name)
		return nil
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(tried) != 1 || tried[0] != "secondary" {
		t.Fatalf("tried = %v, want [secondary] (primary breaker open)", tried)
	}
}

func TestExecuteWithResult(t *testing.T) {
	t.Parallel()

	fg := NewFallbackGroup(10, "ten", FallbackConfig{})
	fg.AddFallback("twenty", 20)

	got, err := ExecuteWithResult(fg, func(v int) (string, error) {
		if v == 10 {
			return "", errors.New("no")
		}
		return "twenty wins", nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if got != "twenty wins" {
		t.Fatalf("result = %q", got)
	}
}

func TestOracleFallbackFailsOver(t *testing.T) {
	t.Parallel()

	primary := &mock.Engine{
		AnalyzeFunc: func(context.Context, reasoning.Request) (*reasoning.Outcome, error) {
			return nil, errors.New("primary oracle unreachable")
		},
	}
	secondary := &mock.Engine{
		AnalyzeFunc: func(context.Context, reasoning.Request) (*reasoning.Outcome, error) {
			return &reasoning.Outcome{
				Causes: []reasoning.Cause{{Label: "discomfort", Confidence: 0.8}},
				Model:  "fallback-model",
			}, nil
		},
	}

	f := NewOracleFallback(primary, "gemini", FallbackConfig{})
	f.AddFallback("openai", secondary)

	out, err := f.Analyze(context.Background(), reasoning.Request{Mode: reasoning.ModeFinal})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if out.Model != "fallback-model" {
		t.Fatalf("Model = %q, want fallback-model", out.Model)
	}
	if primary.CallCount() != 1 || secondary.CallCount() != 1 {
		t.Fatalf("call counts = %d/%d, want 1/1", primary.CallCount(), secondary.CallCount())
	}
}

func TestOracleFallbackAllDown(t *testing.T) {
	t.Parallel()

	down := &mock.Engine{
		AnalyzeFunc: func(context.Context, reasoning.Request) (*reasoning.Outcome, error) {
			return nil, errors.New("unreachable")
		},
	}
	f := NewOracleFallback(down, "gemini", FallbackConfig{})

	if _, err := f.Analyze(context.Background(), reasoning.Request{}); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
