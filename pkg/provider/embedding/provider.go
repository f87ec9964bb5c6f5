// Package embedding defines the Provider interface for speaker-embedding
// backends.
//
// An embedding provider wraps a neural speaker-verification model (e.g., an
// ECAPA-TDNN or x-vector network served by a local inference sidecar) that
// maps an utterance's samples to a fixed-length voiceprint vector. The core
// treats the model as an opaque function; vectors it returns are compared by
// cosine similarity after L2 normalization.
//
// Implementations must be safe for concurrent use.
package embedding

import "context"

// Provider is the abstraction over any speaker-embedding backend.
//
// All vectors returned by a single Provider instance share the same
// dimensionality (see Dimensions). Callers must not mix vectors from
// different Provider instances in one similarity computation unless both use
// the same model and embedding space.
type Provider interface {
	// Extract computes the speaker embedding for one utterance. samples are
	// normalized mono PCM in [-1, 1]. The returned vector has length
	// Dimensions() and is not guaranteed to be L2-normalized; callers
	// normalize before cosine comparison. Returns an error if inference
	// fails or ctx is cancelled.
	Extract(ctx context.Context, samples []float64) ([]float32, error)

	// Dimensions returns the fixed length of every vector produced by this
	// provider, constant for the lifetime of the instance.
	Dimensions() int

	// ModelID returns the backend-specific model identifier, useful for
	// logging and for refusing to compare vectors across models.
	ModelID() string
}
