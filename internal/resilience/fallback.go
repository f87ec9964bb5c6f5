package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every backend in a [FallbackGroup] either
// failed or had an open breaker.
var ErrAllFailed = errors.New("all backends failed")

// FallbackConfig configures the breaker created for each backend in a
// [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// link pairs one backend with its dedicated breaker.
type link[T any] struct {
	name    string
	backend T
	breaker *CircuitBreaker
}

// FallbackGroup chains a primary backend and any number of fallbacks of the
// same provider type. Calls walk the chain in registration order, skipping
// backends whose breaker is open, until one succeeds.
//
// FallbackGroup is safe for concurrent use.
type FallbackGroup[T any] struct {
	chain []link[T]
	cfg   FallbackConfig
}

// NewFallbackGroup starts a chain with primary as its first backend. Register
// fallbacks with [FallbackGroup.AddFallback].
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	cbCfg := cfg.CircuitBreaker
	cbCfg.Name = primaryName
	return &FallbackGroup[T]{
		chain: []link[T]{{
			name:    primaryName,
			backend: primary,
			breaker: NewCircuitBreaker(cbCfg),
		}},
		cfg: cfg,
	}
}

// AddFallback appends a backend to the end of the chain.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.chain = append(fg.chain, link[T]{
		name:    name,
		backend: fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Primary returns the first backend in the chain. Used for metadata queries
// (dimensions, model ID) that must not fail over.
func (fg *FallbackGroup[T]) Primary() T {
	return fg.chain[0].backend
}

// Execute runs fn against each backend in chain order until one succeeds.
// Open-breaker backends are skipped. When the whole chain fails the last
// error is wrapped in [ErrAllFailed].
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	var lastErr error
	for i := range fg.chain {
		l := &fg.chain[i]
		err := l.breaker.Execute(func() error {
			return fn(l.backend)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		logChainStep(l.name, err)
	}
	return fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that return a value.
// Package-level because Go methods cannot introduce type parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.chain {
		l := &fg.chain[i]
		var result R
		err := l.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(l.backend)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		logChainStep(l.name, err)
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

func logChainStep(name string, err error) {
	if errors.Is(err, ErrCircuitOpen) {
		slog.Debug("skipping backend, breaker open", "backend", name)
		return
	}
	slog.Warn("backend failed, trying next", "backend", name, "error", err)
}
