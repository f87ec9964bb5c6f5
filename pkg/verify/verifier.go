// Package verify implements speaker verification: scoring a fresh utterance's
// embedding against every enrolled voiceprint and applying a cosine-similarity
// threshold.
//
// Every embedding compared here is L2-normalized first, so cosine similarity
// reduces to a dot product bounded to [-1, 1]. Extraction failures from the
// embedding provider are converted into failed results rather than
// propagated — one bad utterance must never stop monitoring.
package verify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ycxom/voicegate/pkg/audio"
	"github.com/ycxom/voicegate/pkg/provider/embedding"
	"github.com/ycxom/voicegate/pkg/template"
)

// DefaultThreshold is the default cosine-similarity decision threshold.
const DefaultThreshold = 0.7

// Result is the outcome of one verification call. Immutable, never
// persisted.
type Result struct {
	// IsVerified reports whether the best-matching voiceprint cleared the
	// threshold.
	IsVerified bool

	// Confidence is the best similarity remapped from [-1, 1] to [0, 1].
	Confidence float64

	// MatchedUserID identifies the matched voiceprint. Populated only when
	// IsVerified is true.
	MatchedUserID string

	// MatchedName is the display name of the matched voiceprint. Populated
	// only when IsVerified is true.
	MatchedName string

	// Error carries a failure description when verification could not run
	// (no templates, extraction failure). Empty on a clean decision.
	Error string
}

// Option configures a [Verifier] during construction.
type Option func(*Verifier)

// WithThreshold sets the cosine-similarity threshold in [-1, 1].
// Default: [DefaultThreshold].
func WithThreshold(threshold float64) Option {
	return func(v *Verifier) { v.threshold = threshold }
}

// Verifier scores utterances against enrolled voiceprints.
//
// Safe for concurrent use: callers pass the voiceprint snapshot per call, and
// the threshold may be adjusted at runtime with [Verifier.SetThreshold].
type Verifier struct {
	provider embedding.Provider

	mu        sync.RWMutex
	threshold float64
}

// New creates a Verifier using provider for embedding extraction.
func New(provider embedding.Provider, opts ...Option) *Verifier {
	v := &Verifier{
		provider:  provider,
		threshold: DefaultThreshold,
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// SetThreshold replaces the decision threshold. Applies to the next Verify
// call.
func (v *Verifier) SetThreshold(threshold float64) {
	v.mu.Lock()
	v.threshold = threshold
	v.mu.Unlock()
}

// Verify extracts the utterance's embedding and scores it against every
// voiceprint in prints, keeping the maximum cosine similarity. utterance is
// little-endian 16-bit mono PCM.
//
// The prints slice is read, never mutated; callers pass a consistent
// snapshot so concurrent enrollment cannot change the set mid-call.
func (v *Verifier) Verify(ctx context.Context, utterance []byte, prints []template.Voiceprint) Result {
	if len(prints) == 0 {
		return Result{Error: "no enrolled templates"}
	}

	start := time.Now()
	vec, err := v.provider.Extract(ctx, audio.Samples(utterance))
	if err != nil {
		slog.Warn("embedding extraction failed", "err", err, "model", v.provider.ModelID())
		return Result{Error: err.Error()}
	}
	query := template.Normalize(vec)

	v.mu.RLock()
	threshold := v.threshold
	v.mu.RUnlock()

	best := -1.0
	var matched template.Voiceprint
	for _, vp := range prints {
		sim := CosineSimilarity(query, template.Normalize(vp.Embedding))
		if sim > best {
			best = sim
			matched = vp
		}
	}

	result := Result{
		IsVerified: best >= threshold,
		Confidence: clamp01((best + 1) / 2),
	}
	if result.IsVerified {
		result.MatchedUserID = matched.UserID
		result.MatchedName = matched.DisplayName
	}

	slog.Debug("speaker verification",
		"verified", result.IsVerified,
		"similarity", best,
		"threshold", threshold,
		"elapsed", time.Since(start),
	)
	return result
}

// CosineSimilarity returns the dot product of two vectors. For L2-normalized
// inputs this is the cosine similarity in [-1, 1]. Mismatched lengths score
// over the shared prefix; empty input scores 0.
func CosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
