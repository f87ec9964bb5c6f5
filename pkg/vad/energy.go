package vad

import (
	"errors"
	"time"

	"github.com/ycxom/voicegate/pkg/audio"
)

// Compile-time check that the energy engine satisfies [Engine].
var _ Engine = (*EnergyEngine)(nil)

// EnergyEngine is a VAD backend driven purely by per-chunk RMS energy. It has
// no model dependencies and costs one pass over the samples per chunk, so it
// can run directly on the capture path.
type EnergyEngine struct{}

// NewEnergyEngine returns the energy-based VAD engine.
func NewEnergyEngine() *EnergyEngine { return &EnergyEngine{} }

// NewSession implements [Engine].
func (e *EnergyEngine) NewSession(cfg Config) (Session, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return &energySession{
		cfg: cfg,
		m: machine{
			silenceTimeout: cfg.SilenceTimeout,
			maxDuration:    cfg.MaxRecordingDuration,
		},
	}, nil
}

// validateConfig checks the fields shared by all engines.
func validateConfig(cfg Config) error {
	if cfg.SampleRate <= 0 {
		return errors.New("vad: sample rate must be positive")
	}
	if cfg.SilenceThreshold <= 0 || cfg.SilenceThreshold > 1 {
		return errors.New("vad: silence threshold must be in (0, 1]")
	}
	if cfg.SilenceTimeout <= 0 {
		return errors.New("vad: silence timeout must be positive")
	}
	if cfg.MaxRecordingDuration <= 0 {
		return errors.New("vad: max recording duration must be positive")
	}
	return nil
}

// chunkDuration returns the play time of a mono 16-bit chunk.
func chunkDuration(pcm []byte, sampleRate int) time.Duration {
	return time.Duration(len(pcm)/2) * time.Second / time.Duration(sampleRate)
}

// energySession classifies chunks by RMS energy against the silence
// threshold. Not safe for concurrent use; a session belongs to one stream.
type energySession struct {
	cfg    Config
	m      machine
	closed bool
}

// ProcessChunk implements [Session].
func (s *energySession) ProcessChunk(pcm []byte) (Event, error) {
	if s.closed {
		return Event{}, errors.New("vad: session closed")
	}
	if len(pcm) == 0 {
		return Event{Type: Silence}, nil
	}

	rms := audio.RMS(pcm)
	// Onset requires energy strictly above the threshold; continuation
	// counts energy at the threshold as speech.
	isSpeech := rms > s.cfg.SilenceThreshold
	if s.m.speaking {
		isSpeech = rms >= s.cfg.SilenceThreshold
	}
	return s.m.step(pcm, rms, isSpeech, chunkDuration(pcm, s.cfg.SampleRate)), nil
}

// Reset implements [Session].
func (s *energySession) Reset() {
	s.m.reset()
}

// Close implements [Session].
func (s *energySession) Close() error {
	s.m.reset()
	s.closed = true
	return nil
}
