// Package transcribe defines the speech-to-text provider contract invoked
// after a positive wake decision.
package transcribe

import "context"

// Provider converts a completed utterance into text. Implementations run a
// single batch inference per call; streaming is out of scope because the
// caller always holds a finished segment.
type Provider interface {
	// Transcribe returns the text spoken in the 16-bit little-endian mono PCM
	// utterance. An empty string with nil error means no speech was
	// recognized.
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error)

	// ModelID identifies the underlying model for logging and metrics.
	ModelID() string
}
