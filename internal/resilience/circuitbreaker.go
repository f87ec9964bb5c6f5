// Package resilience guards the embedding and transcription backends with
// circuit breakers and ordered failover.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) that
// stops hammering a backend once it fails repeatedly and probes it again
// after a cool-down. [FallbackGroup] chains several backends of one provider
// type, each behind its own breaker, so a degraded sidecar or API is skipped
// in favour of the next healthy one. [EmbeddingFallback] and
// [TranscribeFallback] apply the group to the two provider interfaces the
// engine depends on.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// open and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call. Normal operation.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen]. Entered after too
	// many consecutive failures; left when the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Success
	// closes the breaker, any failure re-opens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero values fall back to the
// defaults noted per field.
type CircuitBreakerConfig struct {
	// Name labels the backend in log output.
	Name string

	// MaxFailures is how many consecutive failures trip the breaker open.
	// Default 5.
	MaxFailures int

	// ResetTimeout is the cool-down before an open breaker admits probes
	// again. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is how many probe calls the half-open state admits before
	// deciding to close or re-open. Default 3.
	HalfOpenMax int
}

// CircuitBreaker tracks the failure streak of one backend and short-circuits
// calls while the backend is considered down.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu         sync.Mutex
	state      State
	failStreak int
	downSince  time.Time
	probes     int
	probeFails int
}

// NewCircuitBreaker builds a breaker from cfg, substituting defaults for any
// zero-value field.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		state:        StateClosed,
	}
}

// Execute runs fn unless the breaker is open, in which case it returns
// [ErrCircuitOpen] without touching the backend. Half-open admits at most
// HalfOpenMax probe calls.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if time.Since(cb.downSince) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeFails = 0
		slog.Info("backend breaker half-open, probing", "backend", cb.name)

	case StateHalfOpen:
		if cb.probes >= cb.halfOpenMax {
			// Probe budget spent while earlier probes are still in flight.
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}

	probing := cb.state == StateHalfOpen
	if probing {
		cb.probes++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.onFailure(probing)
	} else {
		cb.onSuccess(probing)
	}
	return err
}

// onFailure updates the streak and state after a failed call. Caller holds
// cb.mu.
func (cb *CircuitBreaker) onFailure(probing bool) {
	cb.downSince = time.Now()

	if probing {
		cb.probeFails++
		// One failed probe is enough evidence the backend is still down.
		cb.state = StateOpen
		cb.failStreak = cb.maxFailures
		slog.Warn("backend breaker re-opened after failed probe", "backend", cb.name)
		return
	}

	cb.failStreak++
	if cb.failStreak >= cb.maxFailures {
		cb.state = StateOpen
		slog.Warn("backend breaker opened",
			"backend", cb.name,
			"consecutive_failures", cb.failStreak)
	}
}

// onSuccess updates the streak and state after a successful call. Caller
// holds cb.mu.
func (cb *CircuitBreaker) onSuccess(probing bool) {
	if probing {
		if cb.probes-cb.probeFails >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.failStreak = 0
			cb.probes = 0
			cb.probeFails = 0
			slog.Info("backend breaker closed, backend recovered", "backend", cb.name)
		}
		return
	}
	cb.failStreak = 0
}

// State reports the breaker's current state. An open breaker whose cool-down
// has elapsed reports [StateHalfOpen]; the stored state changes on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.downSince) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all failure accounting.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failStreak = 0
	cb.probes = 0
	cb.probeFails = 0
	slog.Info("backend breaker reset", "backend", cb.name)
}
