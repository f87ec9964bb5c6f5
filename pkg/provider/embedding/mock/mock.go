// Package mock provides a test double for the embedding.Provider interface.
//
// Use Provider to return pre-canned voiceprint vectors without a live model
// and to verify which sample buffers were submitted for extraction.
//
// Example:
//
//	p := &mock.Provider{
//	    ExtractResult:   []float32{1, 0, 0},
//	    DimensionsValue: 3,
//	    ModelIDValue:    "test-speaker-v1",
//	}
//	vec, _ := p.Extract(ctx, samples)
package mock

import (
	"context"
	"sync"

	"github.com/ycxom/voicegate/pkg/provider/embedding"
)

// ExtractCall records a single invocation of Extract.
type ExtractCall struct {
	// Ctx is the context passed to Extract.
	Ctx context.Context
	// SampleCount is the length of the sample slice passed to Extract.
	SampleCount int
}

// Provider is a mock implementation of embedding.Provider.
type Provider struct {
	mu sync.Mutex

	// ExtractResult is returned by Extract. If ExtractFunc is set it takes
	// precedence.
	ExtractResult []float32

	// ExtractErr, if non-nil, is returned as the error from Extract.
	ExtractErr error

	// ExtractFunc, when non-nil, computes the Extract result per call.
	ExtractFunc func(samples []float64) ([]float32, error)

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// ExtractCalls records every call to Extract in order.
	ExtractCalls []ExtractCall
}

// Extract records the call and returns the configured result.
func (p *Provider) Extract(ctx context.Context, samples []float64) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ExtractCalls = append(p.ExtractCalls, ExtractCall{Ctx: ctx, SampleCount: len(samples)})
	if p.ExtractFunc != nil {
		return p.ExtractFunc(samples)
	}
	return p.ExtractResult, p.ExtractErr
}

// Dimensions returns DimensionsValue.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DimensionsValue
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelIDValue
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ExtractCalls = nil
}

// Ensure Provider implements embedding.Provider at compile time.
var _ embedding.Provider = (*Provider)(nil)
