// Package enroll builds voiceprints from repeated wake-phrase utterances.
//
// A [Session] walks one speaker through the enrollment protocol: capture the
// wake phrase several times, embed each take, then average the embeddings
// into a single normalized voiceprint and keep every take's feature sequence
// as a wake-word exemplar. Completing a session persists the voiceprint.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ycxom/voicegate/pkg/audio"
	"github.com/ycxom/voicegate/pkg/dsp"
	"github.com/ycxom/voicegate/pkg/provider/embedding"
	"github.com/ycxom/voicegate/pkg/template"
	"github.com/ycxom/voicegate/pkg/wakeword"
)

var (
	// ErrUtteranceTooShort is returned when a captured take is shorter than
	// the configured minimum.
	ErrUtteranceTooShort = errors.New("enroll: utterance too short")

	// ErrNoSpeech is returned when a captured take contains no usable
	// wake-word frames.
	ErrNoSpeech = errors.New("enroll: no speech detected in utterance")

	// ErrIncomplete is returned by Complete before enough takes were
	// accepted.
	ErrIncomplete = errors.New("enroll: not enough utterances captured")

	// ErrCaptureNotStarted is returned by EndUtterance without a matching
	// BeginUtterance.
	ErrCaptureNotStarted = errors.New("enroll: capture not started")
)

// Recorder is the capture surface a session records from. Satisfied by
// [audio.Source].
type Recorder interface {
	Format() audio.Format
	StartCapture() error
	StopCapture() []byte
}

// Config holds the enrollment protocol parameters.
type Config struct {
	// Utterances is how many accepted takes complete a session.
	Utterances int

	// UtteranceSeconds bounds a timed take in [Session.RecordUtterance].
	UtteranceSeconds float64

	// MinUtteranceDuration rejects takes shorter than this.
	MinUtteranceDuration time.Duration
}

// DefaultConfig returns the standard three-take protocol.
func DefaultConfig() Config {
	return Config{
		Utterances:           3,
		UtteranceSeconds:     3,
		MinUtteranceDuration: 500 * time.Millisecond,
	}
}

// Take is one accepted enrollment utterance.
type Take struct {
	// Duration of the captured audio.
	Duration time.Duration

	// Frames is the wake-word exemplar length in feature frames.
	Frames int
}

// Enroller creates enrollment sessions and persists completed voiceprints.
type Enroller struct {
	cfg      Config
	recorder Recorder
	provider embedding.Provider
	matcher  *wakeword.Matcher
	store    template.Store
	log      *slog.Logger
}

// New creates an Enroller. Zero config fields fall back to [DefaultConfig].
func New(cfg Config, recorder Recorder, provider embedding.Provider,
	matcher *wakeword.Matcher, store template.Store, log *slog.Logger) *Enroller {

	def := DefaultConfig()
	if cfg.Utterances <= 0 {
		cfg.Utterances = def.Utterances
	}
	if cfg.UtteranceSeconds <= 0 {
		cfg.UtteranceSeconds = def.UtteranceSeconds
	}
	if cfg.MinUtteranceDuration <= 0 {
		cfg.MinUtteranceDuration = def.MinUtteranceDuration
	}
	if log == nil {
		log = slog.Default()
	}
	return &Enroller{
		cfg:      cfg,
		recorder: recorder,
		provider: provider,
		matcher:  matcher,
		store:    store,
		log:      log,
	}
}

// NewSession starts an enrollment session for one speaker.
func (e *Enroller) NewSession(displayName, wakePhrase string) *Session {
	return &Session{
		enroller:    e,
		displayName: displayName,
		wakePhrase:  wakePhrase,
	}
}

// Session is one in-progress enrollment. Not safe for concurrent takes; the
// protocol is sequential by nature.
type Session struct {
	enroller    *Enroller
	displayName string
	wakePhrase  string

	mu         sync.Mutex
	capturing  bool
	embeddings [][]float32
	exemplars  []dsp.MelSequence
}

// Accepted returns how many takes the session has accepted so far.
func (s *Session) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.embeddings)
}

// Remaining returns how many takes are still needed.
func (s *Session) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enroller.cfg.Utterances - len(s.embeddings)
}

// BeginUtterance starts capturing one take.
func (s *Session) BeginUtterance() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enroller.recorder.StartCapture(); err != nil {
		return fmt.Errorf("enroll: start capture: %w", err)
	}
	s.capturing = true
	return nil
}

// EndUtterance stops capturing, validates the take, and on success embeds it
// and stores its wake-word exemplar.
func (s *Session) EndUtterance(ctx context.Context) (Take, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.capturing {
		return Take{}, ErrCaptureNotStarted
	}
	s.capturing = false
	pcm := s.enroller.recorder.StopCapture()
	return s.acceptLocked(ctx, pcm)
}

// RecordUtterance captures one timed take: it records for the configured
// utterance window (or until ctx is cancelled) and then validates the take
// like EndUtterance.
func (s *Session) RecordUtterance(ctx context.Context) (Take, error) {
	if err := s.BeginUtterance(); err != nil {
		return Take{}, err
	}

	window := time.Duration(s.enroller.cfg.UtteranceSeconds * float64(time.Second))
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		s.mu.Lock()
		s.capturing = false
		s.enroller.recorder.StopCapture()
		s.mu.Unlock()
		return Take{}, ctx.Err()
	}
	return s.EndUtterance(ctx)
}

// acceptLocked validates one captured take and appends its embedding and
// exemplar. Must be called with s.mu held.
func (s *Session) acceptLocked(ctx context.Context, pcm []byte) (Take, error) {
	e := s.enroller
	bps := e.recorder.Format().BytesPerSecond()
	duration := time.Duration(float64(len(pcm)) / float64(bps) * float64(time.Second))
	if duration < e.cfg.MinUtteranceDuration {
		return Take{}, fmt.Errorf("%w: got %v, need %v",
			ErrUtteranceTooShort, duration.Round(time.Millisecond), e.cfg.MinUtteranceDuration)
	}

	exemplar := e.matcher.ExtractFeatures(pcm)
	if exemplar.FrameCount() == 0 {
		return Take{}, ErrNoSpeech
	}

	vec, err := e.provider.Extract(ctx, audio.Samples(pcm))
	if err != nil {
		return Take{}, fmt.Errorf("enroll: extract embedding: %w", err)
	}

	s.embeddings = append(s.embeddings, vec)
	s.exemplars = append(s.exemplars, exemplar)
	e.log.Debug("enrollment take accepted",
		"take", len(s.embeddings),
		"duration", duration.Round(time.Millisecond),
		"frames", exemplar.FrameCount())
	return Take{Duration: duration, Frames: exemplar.FrameCount()}, nil
}

// Complete averages the accepted takes into one voiceprint and persists it.
// Requires the configured number of takes.
func (s *Session) Complete(ctx context.Context) (template.Voiceprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.enroller
	if len(s.embeddings) < e.cfg.Utterances {
		return template.Voiceprint{}, fmt.Errorf("%w: have %d, need %d",
			ErrIncomplete, len(s.embeddings), e.cfg.Utterances)
	}

	avg, err := template.AverageEmbeddings(s.embeddings)
	if err != nil {
		return template.Voiceprint{}, fmt.Errorf("enroll: average embeddings: %w", err)
	}

	vp := template.Voiceprint{
		UserID:      uuid.New().String(),
		DisplayName: s.displayName,
		Embedding:   avg,
		Exemplars:   s.exemplars,
		WakePhrase:  s.wakePhrase,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.Save(ctx, vp); err != nil {
		return template.Voiceprint{}, fmt.Errorf("enroll: save voiceprint: %w", err)
	}

	e.log.Info("voiceprint enrolled",
		"user_id", vp.UserID,
		"name", vp.DisplayName,
		"takes", len(s.embeddings),
		"model", e.provider.ModelID())
	return vp, nil
}
