package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  3,
		ResetTimeout: time.Hour,
	})

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("call %d: err = %v, want boom", i, err)
		}
	}
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state after failures = %v, want open", got)
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Fatal("fn was called while breaker open")
	}
}

func TestCircuitBreakerSuccessResetsCounter(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})
	boom := errors.New("boom")

	cb.Execute(func() error { return boom })
	cb.Execute(func() error { return nil })
	cb.Execute(func() error { return boom })

	if got := cb.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed (success should reset the streak)", got)
	}
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Millisecond,
		HalfOpenMax:  2,
	})

	boom := errors.New("boom")
	cb.Execute(func() error { return boom })
	if cb.State() != StateOpen {
		t.Fatal("breaker did not open")
	}

	time.Sleep(5 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Fatal("breaker did not report half-open after reset timeout")
	}

	// Two successful probes close the breaker.
	for i := 0; i < 2; i++ {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state after probes = %v, want closed", got)
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Millisecond,
		HalfOpenMax:  3,
	})

	boom := errors.New("boom")
	cb.Execute(func() error { return boom })
	time.Sleep(5 * time.Millisecond)

	// Probe fails — straight back to open.
	cb.Execute(func() error { return boom })
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen after failed probe", err)
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	cb.Execute(func() error { return errors.New("boom") })
	cb.Reset()

	if cb.State() != StateClosed {
		t.Fatal("Reset did not close the breaker")
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("call after reset: %v", err)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(42):     "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
