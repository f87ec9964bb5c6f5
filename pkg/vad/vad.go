// Package vad defines the Engine interface for voice activity detection
// backends and the events they emit.
//
// A VAD engine segments a continuous chunk stream into discrete utterances.
// Each session maintains its own state machine (Idle/Speaking, accumulation
// buffers, silence counters) so that independent streams can be processed
// concurrently.
//
// VAD is synchronous by design: ProcessChunk returns immediately with a
// detection result and performs only arithmetic and buffer appends, making it
// safe to call from the audio-delivery path. Heavy analysis (feature
// extraction, embedding, DTW) belongs downstream of the [SpeechEnd] event.
//
// Implementations must be safe for concurrent use across different sessions.
// A single Session must not be shared across goroutines unless the
// implementation documents otherwise.
package vad

import "time"

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the PCM chunks
	// passed to ProcessChunk. Typical: 16000.
	SampleRate int

	// SilenceThreshold is the normalized RMS energy above which a chunk is
	// classified as speech. Range (0, 1]; typical: 0.01–0.05. Engines that
	// use model probabilities instead of energy may interpret this as a
	// probability threshold.
	SilenceThreshold float64

	// SilenceTimeout is how much accumulated trailing silence ends an
	// utterance.
	SilenceTimeout time.Duration

	// MaxRecordingDuration force-ends an utterance regardless of silence.
	MaxRecordingDuration time.Duration
}

// EventType enumerates detection states for a processed chunk.
type EventType int

const (
	// Silence indicates no active utterance and no speech in this chunk.
	Silence EventType = iota

	// SpeechStart indicates an utterance has just begun with this chunk.
	SpeechStart

	// SpeechContinue indicates an ongoing utterance.
	SpeechContinue

	// SpeechEnd indicates the utterance ended; [Event.Segment] carries the
	// assembled audio.
	SpeechEnd
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case Silence:
		return "SILENCE"
	case SpeechStart:
		return "SPEECH_START"
	case SpeechContinue:
		return "SPEECH_CONTINUE"
	case SpeechEnd:
		return "SPEECH_END"
	default:
		return "UNKNOWN"
	}
}

// Event is the detection result for a single chunk.
type Event struct {
	// Type is the detection result.
	Type EventType

	// Energy is the chunk's normalized RMS energy (or model probability for
	// non-energy engines).
	Energy float64

	// Segment holds the assembled utterance bytes, from detected speech
	// onset through the chunk that ended it. Non-nil only when Type is
	// [SpeechEnd]. Ownership transfers to the caller.
	Segment []byte
}

// Session is an active VAD session for a single audio stream.
type Session interface {
	// ProcessChunk analyses one PCM chunk (little-endian 16-bit mono at the
	// configured sample rate) and returns the detection result. It must not
	// block: it is called on the audio-delivery path.
	ProcessChunk(pcm []byte) (Event, error)

	// Reset clears accumulated state (partial segments, silence counters)
	// without closing the session. Use when the audio stream is interrupted
	// so a stale partial utterance never leaks into the next stream.
	Reset()

	// Close releases session resources. Calling Close more than once is
	// safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. Implementations must be safe for
// concurrent use: multiple goroutines may call NewSession simultaneously.
type Engine interface {
	// NewSession creates a session with the given configuration. Returns an
	// error if the configuration is invalid or resources cannot be
	// allocated.
	NewSession(cfg Config) (Session, error)
}
