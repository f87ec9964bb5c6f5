package vad

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/streamer45/silero-vad-go/speech"
)

// Compile-time check that the silero engine satisfies [Engine].
var _ Engine = (*SileroEngine)(nil)

// SileroEngine is a VAD backend using the Silero ONNX model. It is more
// robust to steady background noise than the energy engine at the cost of a
// model inference per chunk, so it runs best behind a buffered chunk queue
// rather than directly on the capture callback.
type SileroEngine struct {
	modelPath string
}

// NewSileroEngine returns a Silero VAD engine that loads the ONNX model from
// modelPath for every session.
func NewSileroEngine(modelPath string) (*SileroEngine, error) {
	if modelPath == "" {
		return nil, errors.New("vad: silero model path must not be empty")
	}
	return &SileroEngine{modelPath: modelPath}, nil
}

// NewSession implements [Engine]. The configured SilenceThreshold is used as
// the model's speech-probability threshold.
func (e *SileroEngine) NewSession(cfg Config) (Session, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	detector, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            e.modelPath,
		SampleRate:           cfg.SampleRate,
		Threshold:            float32(cfg.SilenceThreshold),
		MinSilenceDurationMs: 100,
		SpeechPadMs:          30,
	})
	if err != nil {
		return nil, fmt.Errorf("vad: create silero detector: %w", err)
	}
	return &sileroSession{
		cfg:      cfg,
		detector: detector,
		m: machine{
			silenceTimeout: cfg.SilenceTimeout,
			maxDuration:    cfg.MaxRecordingDuration,
		},
	}, nil
}

// sileroSession classifies chunks by whether the Silero model finds speech in
// them. Not safe for concurrent use.
type sileroSession struct {
	cfg      Config
	detector *speech.Detector
	m        machine
	closed   bool
}

// ProcessChunk implements [Session].
func (s *sileroSession) ProcessChunk(pcm []byte) (Event, error) {
	if s.closed {
		return Event{}, errors.New("vad: session closed")
	}
	if len(pcm) == 0 {
		return Event{Type: Silence}, nil
	}

	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		samples[i] = float32(int16(uint16(pcm[i*2])|uint16(pcm[i*2+1])<<8)) / 32768.0
	}
	segments, err := s.detector.Detect(samples)
	if err != nil {
		return Event{}, fmt.Errorf("vad: silero inference: %w", err)
	}

	isSpeech := len(segments) > 0
	score := 0.0
	if isSpeech {
		score = 1.0
	}
	return s.m.step(pcm, score, isSpeech, chunkDuration(pcm, s.cfg.SampleRate)), nil
}

// Reset implements [Session].
func (s *sileroSession) Reset() {
	s.m.reset()
	if err := s.detector.Reset(); err != nil {
		slog.Warn("silero detector reset failed", "err", err)
	}
}

// Close implements [Session].
func (s *sileroSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.m.reset()
	if err := s.detector.Destroy(); err != nil {
		return fmt.Errorf("vad: destroy silero detector: %w", err)
	}
	return nil
}
