package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBackendDown = errors.New("sidecar: connection refused")

// trip drives the breaker into the open state with n consecutive failures.
func trip(t *testing.T, cb *CircuitBreaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_ = cb.Execute(func() error { return errBackendDown })
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v after %d failures, want open", cb.State(), n)
	}
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "embedding-sidecar"})
	if cb.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", cb.maxFailures)
	}
	if cb.resetTimeout != 30*time.Second {
		t.Errorf("resetTimeout = %v, want 30s", cb.resetTimeout)
	}
	if cb.halfOpenMax != 3 {
		t.Errorf("halfOpenMax = %d, want 3", cb.halfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_ClosedForwardsCalls(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "embedding-sidecar", MaxFailures: 3})

	var calls int
	if err := cb.Execute(func() error { calls++; return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calls != 1 {
		t.Fatalf("backend called %d times, want 1", calls)
	}
}

func TestCircuitBreaker_OpensAfterFailureStreak(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "embedding-sidecar",
		MaxFailures:  3,
		ResetTimeout: time.Hour,
	})
	trip(t, cb, 3)

	var calls int
	err := cb.Execute(func() error { calls++; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if calls != 0 {
		t.Fatalf("open breaker reached the backend %d times", calls)
	}
}

func TestCircuitBreaker_SuccessClearsStreak(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "whisper", MaxFailures: 3})

	// Two failures, one success: the streak restarts from zero.
	_ = cb.Execute(func() error { return errBackendDown })
	_ = cb.Execute(func() error { return errBackendDown })
	_ = cb.Execute(func() error { return nil })
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after recovery", cb.State())
	}

	_ = cb.Execute(func() error { return errBackendDown })
	_ = cb.Execute(func() error { return errBackendDown })
	if cb.State() != StateClosed {
		t.Fatal("opened on a streak shorter than MaxFailures")
	}
}

func TestCircuitBreaker_CooldownAdmitsProbes(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "embedding-sidecar",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  2,
	})
	trip(t, cb, 2)

	time.Sleep(15 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v after cool-down, want half-open", cb.State())
	}
}

func TestCircuitBreaker_ClosesAfterSuccessfulProbes(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "embedding-sidecar",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  2,
	})
	trip(t, cb, 2)
	time.Sleep(15 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after successful probes", cb.State())
	}
}

func TestCircuitBreaker_ReopensOnFailedProbe(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "whisper",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  3,
	})
	trip(t, cb, 2)
	time.Sleep(15 * time.Millisecond)

	if err := cb.Execute(func() error { return errBackendDown }); err == nil {
		t.Fatal("failing probe reported success")
	}

	// downSince was just refreshed, so read the stored state directly instead
	// of State()'s cool-down view.
	cb.mu.Lock()
	s := cb.state
	cb.mu.Unlock()
	if s != StateOpen {
		t.Fatalf("state = %v, want open after failed probe", s)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "embedding-sidecar",
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})
	trip(t, cb, 2)

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Execute after reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
