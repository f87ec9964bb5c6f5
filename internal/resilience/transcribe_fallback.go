package resilience

import (
	"context"

	"github.com/ycxom/voicegate/pkg/provider/transcribe"
)

// TranscribeFallback implements [transcribe.Provider] with automatic failover
// across multiple transcription backends. Each backend has its own circuit
// breaker, so a local model that keeps failing is bypassed in favour of a
// remote API (or vice versa) until it recovers.
type TranscribeFallback struct {
	group *FallbackGroup[transcribe.Provider]
}

// Compile-time interface assertion.
var _ transcribe.Provider = (*TranscribeFallback)(nil)

// NewTranscribeFallback creates a [TranscribeFallback] with primary as the
// preferred backend.
func NewTranscribeFallback(primary transcribe.Provider, primaryName string, cfg FallbackConfig) *TranscribeFallback {
	return &TranscribeFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional transcription provider as a fallback.
func (f *TranscribeFallback) AddFallback(name string, provider transcribe.Provider) {
	f.group.AddFallback(name, provider)
}

// Transcribe runs the utterance through the first healthy backend.
func (f *TranscribeFallback) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	return ExecuteWithResult(f.group, func(p transcribe.Provider) (string, error) {
		return p.Transcribe(ctx, pcm, sampleRate)
	})
}

// ModelID reports the primary backend's model identifier.
func (f *TranscribeFallback) ModelID() string {
	return f.group.Primary().ModelID()
}
