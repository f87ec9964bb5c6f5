package resilience

import (
	"context"

	"github.com/ycxom/voicegate/pkg/provider/embedding"
)

// EmbeddingFallback implements [embedding.Provider] with per-backend circuit
// breakers. Even with a single backend it is useful: a sidecar that goes down
// is failed fast instead of being hammered on every utterance.
//
// All backends must produce embeddings of the same dimensionality; mixing
// models whose vector spaces differ would make cosine scores meaningless.
type EmbeddingFallback struct {
	group *FallbackGroup[embedding.Provider]
}

// Compile-time interface assertion.
var _ embedding.Provider = (*EmbeddingFallback)(nil)

// NewEmbeddingFallback creates an [EmbeddingFallback] with primary as the
// preferred backend.
func NewEmbeddingFallback(primary embedding.Provider, primaryName string, cfg FallbackConfig) *EmbeddingFallback {
	return &EmbeddingFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional embedding provider as a fallback.
func (f *EmbeddingFallback) AddFallback(name string, provider embedding.Provider) {
	f.group.AddFallback(name, provider)
}

// Extract computes the voiceprint embedding via the first healthy backend.
func (f *EmbeddingFallback) Extract(ctx context.Context, samples []float64) ([]float32, error) {
	return ExecuteWithResult(f.group, func(p embedding.Provider) ([]float32, error) {
		return p.Extract(ctx, samples)
	})
}

// Dimensions reports the primary backend's embedding dimensionality.
func (f *EmbeddingFallback) Dimensions() int {
	return f.group.Primary().Dimensions()
}

// ModelID reports the primary backend's model identifier.
func (f *EmbeddingFallback) ModelID() string {
	return f.group.Primary().ModelID()
}
