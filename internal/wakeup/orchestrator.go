// Package wakeup drives VAD output through parallel speaker verification and
// wake-word matching and emits a single debounced wake decision.
//
// The orchestrator is a state machine over the monitoring session:
// NotMonitoring → Monitoring → (per utterance) Verifying&Matching →
// Monitoring. Segments are analysed off the audio-delivery path; the chunk
// callback performs only VAD arithmetic and a goroutine handoff.
package wakeup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ycxom/voicegate/internal/observe"
	"github.com/ycxom/voicegate/pkg/audio"
	"github.com/ycxom/voicegate/pkg/dsp"
	"github.com/ycxom/voicegate/pkg/template"
	"github.com/ycxom/voicegate/pkg/vad"
	"github.com/ycxom/voicegate/pkg/verify"
	"github.com/ycxom/voicegate/pkg/wakeword"
)

var (
	// ErrNoTemplates is returned by Start when no voiceprints are enrolled.
	ErrNoTemplates = errors.New("wakeup: no enrolled voiceprints")

	// ErrNoExemplars is returned by Start when no enrolled voiceprint carries
	// wake-word exemplars.
	ErrNoExemplars = errors.New("wakeup: no voiceprint has wake-word exemplars")

	// ErrAlreadyMonitoring is returned by Start when monitoring is active.
	ErrAlreadyMonitoring = errors.New("wakeup: monitoring already active")

	// ErrNotMonitoring is returned by Stop when monitoring is not active.
	ErrNotMonitoring = errors.New("wakeup: monitoring not active")
)

// AudioMonitor is the capture surface the orchestrator consumes. Satisfied by
// [audio.Source].
type AudioMonitor interface {
	Format() audio.Format
	StartMonitoring(subscriber func(audio.Chunk)) error
	StopMonitoring()
}

// Decision is the outcome of analysing one speech segment. Emitted to
// subscribers only when the wake fired.
type Decision struct {
	// Segment is the utterance audio that triggered the wake.
	Segment []byte

	// Result is the speaker verification outcome.
	Result verify.Result

	// WakeScore is the best wake-word DTW similarity in [0,1].
	WakeScore float64

	// Time is when the decision was made.
	Time time.Time
}

// Subscriber receives wake decisions. Called from the analysis goroutine;
// implementations must not block for long.
type Subscriber func(Decision)

// EventSink receives runtime pipeline events (utterance captured,
// verification completed, wake fired). A nil sink disables event publishing.
type EventSink interface {
	Publish(Event)
}

// Config holds the wake decision policy.
type Config struct {
	// WakeWordThreshold is the minimum DTW similarity in [0,1].
	WakeWordThreshold float64

	// Cooldown suppresses wake decisions for this long after a success.
	Cooldown time.Duration

	// MinRecordingDuration discards shorter segments without analysis.
	MinRecordingDuration time.Duration
}

// Orchestrator owns the monitoring session. Create with New, then Start.
// Safe for concurrent use.
type Orchestrator struct {
	cfg      Config
	source   AudioMonitor
	engine   vad.Engine
	vadCfg   vad.Config
	verifier *verify.Verifier
	matcher  *wakeword.Matcher
	metrics  *observe.Metrics
	events   EventSink
	log      *slog.Logger

	// templates is swapped wholesale under tmplMu so in-flight analysis
	// reads a consistent snapshot.
	tmplMu    sync.RWMutex
	templates []template.Voiceprint

	monitoring atomic.Bool
	busy       atomic.Bool
	session    vad.Session

	lastWakeMu sync.Mutex
	lastWake   time.Time

	subMu sync.RWMutex
	subs  []Subscriber

	wg sync.WaitGroup
}

// Option is a functional option for New.
type Option func(*Orchestrator)

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithEventSink sets the runtime event sink. Default: none.
func WithEventSink(s EventSink) Option {
	return func(o *Orchestrator) { o.events = s }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// New creates an Orchestrator. templates is the initial enrolled set; swap it
// later with SetTemplates.
func New(cfg Config, source AudioMonitor, engine vad.Engine, vadCfg vad.Config,
	verifier *verify.Verifier, matcher *wakeword.Matcher,
	templates []template.Voiceprint, opts ...Option) *Orchestrator {

	o := &Orchestrator{
		cfg:       cfg,
		source:    source,
		engine:    engine,
		vadCfg:    vadCfg,
		verifier:  verifier,
		matcher:   matcher,
		templates: templates,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// SetTemplates replaces the enrolled template snapshot. In-flight analysis
// keeps using the snapshot it started with.
func (o *Orchestrator) SetTemplates(templates []template.Voiceprint) {
	o.tmplMu.Lock()
	o.templates = templates
	o.tmplMu.Unlock()
}

// SetPolicy replaces the wake decision policy. Applied to the next segment.
func (o *Orchestrator) SetPolicy(cfg Config) {
	o.tmplMu.Lock()
	o.cfg = cfg
	o.tmplMu.Unlock()
}

// SetVADConfig replaces the segmentation config. Takes effect on the next
// Start; an active session keeps its current config.
func (o *Orchestrator) SetVADConfig(cfg vad.Config) {
	o.tmplMu.Lock()
	o.vadCfg = cfg
	o.tmplMu.Unlock()
}

// Subscribe registers a subscriber for wake decisions.
func (o *Orchestrator) Subscribe(s Subscriber) {
	o.subMu.Lock()
	o.subs = append(o.subs, s)
	o.subMu.Unlock()
}

// Start begins continuous monitoring. It refuses to start without at least
// one enrolled voiceprint that carries wake-word exemplars, returning
// [ErrNoTemplates] or [ErrNoExemplars] with the reason.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.tmplMu.RLock()
	templates := o.templates
	vadCfg := o.vadCfg
	o.tmplMu.RUnlock()

	if len(templates) == 0 {
		return ErrNoTemplates
	}
	hasExemplars := false
	for _, vp := range templates {
		if vp.HasExemplars() {
			hasExemplars = true
			break
		}
	}
	if !hasExemplars {
		return ErrNoExemplars
	}

	if !o.monitoring.CompareAndSwap(false, true) {
		return ErrAlreadyMonitoring
	}

	session, err := o.engine.NewSession(vadCfg)
	if err != nil {
		o.monitoring.Store(false)
		return fmt.Errorf("wakeup: create vad session: %w", err)
	}
	o.session = session

	if err := o.source.StartMonitoring(o.onChunk); err != nil {
		o.session.Close()
		o.session = nil
		o.monitoring.Store(false)
		return fmt.Errorf("wakeup: start monitoring: %w", err)
	}

	o.metrics.ActiveSessions.Add(ctx, 1)
	o.log.Info("monitoring started",
		"templates", len(templates),
		"wake_threshold", o.cfg.WakeWordThreshold,
		"cooldown", o.cfg.Cooldown)
	return nil
}

// Stop ends monitoring and waits for in-flight analysis to finish.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if !o.monitoring.CompareAndSwap(true, false) {
		return ErrNotMonitoring
	}
	o.source.StopMonitoring()
	o.wg.Wait()
	if o.session != nil {
		if err := o.session.Close(); err != nil {
			o.log.Warn("vad session close failed", "err", err)
		}
		o.session = nil
	}
	o.metrics.ActiveSessions.Add(ctx, -1)
	o.log.Info("monitoring stopped")
	return nil
}

// Monitoring reports whether a monitoring session is active.
func (o *Orchestrator) Monitoring() bool { return o.monitoring.Load() }

// onChunk runs on the audio-delivery path. It performs only VAD arithmetic;
// completed segments are handed to a background goroutine.
func (o *Orchestrator) onChunk(chunk audio.Chunk) {
	if !o.monitoring.Load() {
		return
	}
	ev, err := o.session.ProcessChunk(chunk.Data)
	if err != nil {
		o.log.Warn("vad chunk processing failed", "err", err)
		return
	}
	if ev.Type != vad.SpeechEnd {
		return
	}
	o.dispatch(ev.Segment)
}

// dispatch applies the drop policy and, when the segment survives, starts
// background analysis. At most one segment is analysed at a time; a segment
// arriving while a predecessor is in flight is dropped, not queued.
func (o *Orchestrator) dispatch(segment []byte) {
	ctx := context.Background()

	o.tmplMu.RLock()
	cfg := o.cfg
	templates := o.templates
	o.tmplMu.RUnlock()

	duration := time.Duration(float64(len(segment)) / float64(o.source.Format().BytesPerSecond()) * float64(time.Second))
	o.metrics.UtteranceDuration.Record(ctx, duration.Seconds())
	o.publish(Event{Type: EventUtterance, Bytes: len(segment), Duration: duration.Seconds()})

	if duration < cfg.MinRecordingDuration {
		o.metrics.RecordSuppressed(ctx, "too_short")
		o.log.Debug("segment dropped: too short", "duration", duration)
		return
	}

	o.lastWakeMu.Lock()
	inCooldown := !o.lastWake.IsZero() && time.Since(o.lastWake) < cfg.Cooldown
	o.lastWakeMu.Unlock()
	if inCooldown {
		o.metrics.RecordSuppressed(ctx, "cooldown")
		o.log.Debug("segment dropped: cooldown active")
		return
	}

	if !o.busy.CompareAndSwap(false, true) {
		o.metrics.RecordSuppressed(ctx, "busy")
		o.log.Debug("segment dropped: analysis in flight")
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.busy.Store(false)
		o.analyse(ctx, cfg, segment, templates)
	}()
}

// analyse runs speaker verification and wake-word matching in parallel over
// the segment and fires the wake decision when both pass.
func (o *Orchestrator) analyse(ctx context.Context, cfg Config, segment []byte, templates []template.Voiceprint) {
	var (
		result    verify.Result
		wakeScore float64
	)

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		start := time.Now()
		result = o.verifier.Verify(egCtx, segment, templates)
		o.metrics.VerificationDuration.Record(egCtx, time.Since(start).Seconds())
		return nil
	})

	eg.Go(func() error {
		start := time.Now()
		wakeScore = o.matcher.Match(segment, collectExemplars(templates))
		o.metrics.MatchDuration.Record(egCtx, time.Since(start).Seconds())
		return nil
	})

	// Both branches convert failures into results, never errors; the group
	// exists for the parallel join.
	_ = eg.Wait()

	status := "rejected"
	switch {
	case result.Error != "":
		status = "error"
	case result.IsVerified:
		status = "verified"
	}
	o.metrics.RecordVerification(ctx, status)
	o.metrics.WakeWordScore.Record(ctx, wakeScore)
	o.publish(Event{Type: EventVerification, Result: &result})
	o.publish(Event{Type: EventWakeScore, Score: wakeScore})

	o.log.Debug("segment analysed",
		"verified", result.IsVerified,
		"confidence", result.Confidence,
		"wake_score", wakeScore)

	if !result.IsVerified || wakeScore < cfg.WakeWordThreshold {
		return
	}

	o.lastWakeMu.Lock()
	o.lastWake = time.Now()
	o.lastWakeMu.Unlock()

	o.metrics.RecordWake(ctx, result.MatchedUserID)
	o.publish(Event{Type: EventWake, Result: &result, Score: wakeScore, Bytes: len(segment)})
	o.log.Info("wake decision",
		"user_id", result.MatchedUserID,
		"name", result.MatchedName,
		"confidence", result.Confidence,
		"wake_score", wakeScore)

	decision := Decision{
		Segment:   segment,
		Result:    result,
		WakeScore: wakeScore,
		Time:      time.Now(),
	}
	o.subMu.RLock()
	subs := o.subs
	o.subMu.RUnlock()
	for _, s := range subs {
		s(decision)
	}
}

// publish forwards an event to the sink when one is configured.
func (o *Orchestrator) publish(ev Event) {
	if o.events != nil {
		o.events.Publish(ev)
	}
}

// collectExemplars flattens the wake-word exemplars of every template into
// one slice for matching.
func collectExemplars(templates []template.Voiceprint) []dsp.MelSequence {
	var out []dsp.MelSequence
	for _, vp := range templates {
		out = append(out, vp.Exemplars...)
	}
	return out
}
