// Package template defines the enrolled voiceprint model and the Store
// interface for persisting it.
//
// A [Voiceprint] pairs one speaker's identity with a single L2-normalized
// embedding vector (averaged over the enrollment utterances) and zero or more
// wake-word exemplars — log-Mel feature sequences of the speaker saying the
// wake phrase, optionally under different recording conditions. Stores
// persist an ordered list of these records; implementations live in the
// file and postgres subpackages.
package template

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/ycxom/voicegate/pkg/dsp"
)

// ErrNotFound is returned by Store lookups for unknown user IDs.
var ErrNotFound = errors.New("template: voiceprint not found")

// Voiceprint is one enrolled speaker identity.
type Voiceprint struct {
	// UserID is an opaque unique identifier assigned at enrollment.
	UserID string

	// DisplayName is the human-readable speaker name.
	DisplayName string

	// Embedding is the speaker's voiceprint vector, L2-normalized so cosine
	// similarity reduces to a dot product.
	Embedding []float32

	// Exemplars holds the speaker's wake-word feature sequences. A
	// voiceprint without exemplars can be verified against but cannot gate a
	// wake word.
	Exemplars []dsp.MelSequence

	// WakePhrase is the enrolled wake phrase text, used for optional
	// post-wake transcript confirmation. May be empty.
	WakePhrase string

	// CreatedAt records when the enrollment happened.
	CreatedAt time.Time
}

// HasExemplars reports whether the voiceprint carries wake-word exemplars.
func (v Voiceprint) HasExemplars() bool { return len(v.Exemplars) > 0 }

// Store is the persistence collaborator for enrolled voiceprints.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Save inserts or fully replaces the voiceprint identified by
	// vp.UserID.
	Save(ctx context.Context, vp Voiceprint) error

	// Delete removes the voiceprint for userID. Removing an unknown user
	// returns [ErrNotFound].
	Delete(ctx context.Context, userID string) error

	// List returns all enrolled voiceprints in enrollment order.
	List(ctx context.Context) ([]Voiceprint, error)
}

// Normalize returns an L2-normalized copy of vec. A zero vector is returned
// unchanged.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	out := make([]float32, len(vec))
	if sum == 0 {
		copy(out, vec)
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, v := range vec {
		out[i] = float32(float64(v) * inv)
	}
	return out
}

// AverageEmbeddings averages several same-length vectors into one and
// L2-normalizes the result — the enrollment reduction from many utterances to
// one voiceprint. Returns an error when the input is empty or lengths differ.
func AverageEmbeddings(vecs [][]float32) ([]float32, error) {
	if len(vecs) == 0 {
		return nil, errors.New("template: no embeddings to average")
	}
	dim := len(vecs[0])
	acc := make([]float64, dim)
	for _, v := range vecs {
		if len(v) != dim {
			return nil, errors.New("template: embedding dimension mismatch")
		}
		for i, x := range v {
			acc[i] += float64(x)
		}
	}
	avg := make([]float32, dim)
	inv := 1 / float64(len(vecs))
	for i, x := range acc {
		avg[i] = float32(x * inv)
	}
	return Normalize(avg), nil
}
