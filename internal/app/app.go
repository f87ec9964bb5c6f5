// Package app wires all voicegate subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects the
// capture source, template store, verification and matching pipeline, and the
// HTTP surfaces; Run starts monitoring and blocks until the context is
// cancelled; Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore, WithMonitor,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ycxom/voicegate/internal/config"
	"github.com/ycxom/voicegate/internal/health"
	"github.com/ycxom/voicegate/internal/observe"
	"github.com/ycxom/voicegate/internal/wakeup"
	"github.com/ycxom/voicegate/pkg/audio"
	"github.com/ycxom/voicegate/pkg/phrase"
	"github.com/ycxom/voicegate/pkg/provider/embedding"
	"github.com/ycxom/voicegate/pkg/provider/transcribe"
	"github.com/ycxom/voicegate/pkg/template"
	"github.com/ycxom/voicegate/pkg/template/file"
	"github.com/ycxom/voicegate/pkg/template/postgres"
	"github.com/ycxom/voicegate/pkg/vad"
	"github.com/ycxom/voicegate/pkg/verify"
	"github.com/ycxom/voicegate/pkg/wakeword"
)

// transcribeTimeout bounds post-wake transcript confirmation.
const transcribeTimeout = 30 * time.Second

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	VAD        vad.Engine
	Embedding  embedding.Provider
	Transcribe transcribe.Provider
}

// App owns all subsystem lifetimes and orchestrates the wake pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers

	source    *audio.Source // nil when a monitor was injected
	monitor   wakeup.AudioMonitor
	store     template.Store
	matcher   *wakeword.Matcher
	verifier  *verify.Verifier
	orch      *wakeup.Orchestrator
	events    *wakeup.Publisher
	confirmer *phrase.Confirmer
	metrics   *observe.Metrics
	logLevel  *slog.LevelVar

	servers []*http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once

	wg sync.WaitGroup
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a template store instead of creating one from config.
func WithStore(s template.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMonitor injects an audio monitor instead of opening a capture device.
func WithMonitor(m wakeup.AudioMonitor) Option {
	return func(a *App) { a.monitor = m }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel attaches the level var driving the process logger so config
// reloads can adjust verbosity.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry); the embedding and
// VAD providers are required, transcription is optional.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.VAD == nil {
		return nil, errors.New("app: a vad provider is required")
	}
	if providers.Embedding == nil {
		return nil, errors.New("app: an embedding provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initAudio(); err != nil {
		return nil, fmt.Errorf("app: init audio: %w", err)
	}
	if err := a.initPipeline(ctx); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}
	a.initHTTP()

	return a, nil
}

// initStore opens the voiceprint store named by the config.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	switch a.cfg.Store.Backend {
	case "postgres":
		store, err := postgres.NewStore(ctx, a.cfg.Store.PostgresDSN, a.cfg.Store.EmbeddingDimensions)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
	default:
		store, err := file.New(a.cfg.Store.Path)
		if err != nil {
			return err
		}
		a.store = store
	}
	slog.Info("voiceprint store ready", "backend", a.cfg.Store.Backend)
	return nil
}

// initAudio opens the capture device unless a monitor was injected.
func (a *App) initAudio() error {
	if a.monitor != nil {
		return nil
	}

	source, err := audio.NewSource(audio.SourceConfig{
		Format: audio.Format{
			SampleRate: a.cfg.Audio.SampleRate,
			Channels:   a.cfg.Audio.Channels,
		},
		DeviceName:  a.cfg.Audio.InputDevice,
		RingSeconds: a.cfg.Audio.RingSeconds,
	})
	if err != nil {
		return err
	}
	a.source = source
	a.monitor = source
	a.closers = append(a.closers, source.Close)
	return nil
}

// initPipeline builds the matcher, verifier, and orchestrator from the
// enrolled voiceprints.
func (a *App) initPipeline(ctx context.Context) error {
	templates, err := a.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list voiceprints: %w", err)
	}
	slog.Info("voiceprints loaded", "count", len(templates))

	a.matcher = wakeword.New(MatcherConfig(a.cfg), slog.Default())
	a.verifier = verify.New(a.providers.Embedding,
		verify.WithThreshold(a.cfg.Wakeup.SpeakerThreshold))
	a.events = wakeup.NewPublisher(slog.Default())
	a.closers = append(a.closers, a.events.Close)

	a.orch = wakeup.New(
		WakePolicy(a.cfg),
		a.monitor,
		a.providers.VAD,
		VADConfig(a.cfg),
		a.verifier,
		a.matcher,
		templates,
		wakeup.WithEventSink(a.events),
		wakeup.WithMetrics(a.metrics),
	)

	if a.providers.Transcribe != nil {
		a.confirmer = phrase.New()
		a.orch.Subscribe(a.onWake)
	}
	return nil
}

// initHTTP builds the event-stream and metrics servers. Either address may be
// empty, disabling that surface.
func (a *App) initHTTP() {
	h := health.New(health.StoreChecker(a.store))

	mw := observe.Middleware(a.metrics)

	if addr := a.cfg.Server.EventsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/events", a.events)
		h.Register(mux)
		a.servers = append(a.servers, &http.Server{Addr: addr, Handler: mw(mux)})
	}
	if addr := a.cfg.Server.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		h.Register(mux)
		a.servers = append(a.servers, &http.Server{Addr: addr, Handler: mw(mux)})
	}
}

// Subscribe registers a subscriber for wake decisions.
func (a *App) Subscribe(s wakeup.Subscriber) { a.orch.Subscribe(s) }

// Run starts monitoring and the HTTP surfaces, then blocks until ctx is
// cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.orch.Start(ctx); err != nil {
		return fmt.Errorf("app: start monitoring: %w", err)
	}

	for _, srv := range a.servers {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			slog.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server error", "addr", srv.Addr, "err", err)
			}
		}()
	}

	slog.Info("app running")
	<-ctx.Done()
	return ctx.Err()
}

// ApplyConfig is the config watcher callback: it inspects the diff between
// the old and new config and applies what can change at runtime. Changes that
// require reopening the capture device or the store are logged and skipped.
func (a *App) ApplyConfig(old, new *config.Config) {
	diff := config.Diff(old, new)
	if !diff.Any() {
		return
	}

	if diff.LogLevelChanged {
		if a.logLevel != nil {
			a.logLevel.Set(SlogLevel(diff.NewLogLevel))
			slog.Info("log level updated", "level", diff.NewLogLevel)
		} else {
			slog.Warn("log level changed but no level var attached", "level", diff.NewLogLevel)
		}
	}

	if diff.InputDeviceChanged {
		if a.source != nil {
			if err := a.source.UpdateInputDevice(diff.NewInputDevice); err != nil {
				slog.Error("input device switch failed", "device", diff.NewInputDevice, "err", err)
			} else {
				slog.Info("input device switched", "device", diff.NewInputDevice)
			}
		}
	}

	if diff.WakeupChanged || diff.DetectionChanged {
		a.cfg.Wakeup = new.Wakeup
		a.cfg.Detection = new.Detection
		a.verifier.SetThreshold(new.Wakeup.SpeakerThreshold)
		a.orch.SetPolicy(WakePolicy(new))
		a.orch.SetVADConfig(VADConfig(new))
		slog.Info("wake policy updated",
			"wake_threshold", new.Wakeup.WakeWordThreshold,
			"speaker_threshold", new.Wakeup.SpeakerThreshold,
			"cooldown", new.Wakeup.Cooldown)

		// Segmentation parameters bind at session creation; cycle the
		// monitoring session so they take effect.
		if diff.DetectionChanged && a.orch.Monitoring() {
			ctx := context.Background()
			if err := a.orch.Stop(ctx); err != nil {
				slog.Error("monitoring restart: stop failed", "err", err)
				return
			}
			if err := a.orch.Start(ctx); err != nil {
				slog.Error("monitoring restart: start failed", "err", err)
			}
		}
	}
}

// ReloadTemplates re-reads the voiceprint store and swaps the enrolled set on
// the orchestrator.
func (a *App) ReloadTemplates(ctx context.Context) error {
	templates, err := a.store.List(ctx)
	if err != nil {
		return fmt.Errorf("app: reload voiceprints: %w", err)
	}
	a.orch.SetTemplates(templates)
	slog.Info("voiceprints reloaded", "count", len(templates))
	return nil
}

// onWake runs transcript confirmation after a wake decision: the segment is
// transcribed and fuzzy-matched against the matched speaker's enrolled wake
// phrase.
func (a *App) onWake(d wakeup.Decision) {
	wakePhrase := a.wakePhraseFor(d.Result.MatchedUserID)
	if wakePhrase == "" {
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), transcribeTimeout)
		defer cancel()

		start := time.Now()
		text, err := a.providers.Transcribe.Transcribe(ctx, d.Segment, a.cfg.Audio.SampleRate)
		a.metrics.TranscriptionDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			slog.Warn("post-wake transcription failed", "err", err)
			return
		}

		score, ok := a.confirmer.Confirm(text, wakePhrase)
		a.events.Publish(wakeup.Event{
			Type:  wakeup.EventTranscript,
			Text:  text,
			Score: score,
		})
		slog.Info("wake transcript",
			"text", text,
			"phrase_score", score,
			"confirmed", ok)
	}()
}

// wakePhraseFor returns the enrolled wake phrase of the identified speaker.
func (a *App) wakePhraseFor(userID string) string {
	if userID == "" {
		return ""
	}
	templates, err := a.store.List(context.Background())
	if err != nil {
		slog.Warn("wake phrase lookup failed", "err", err)
		return ""
	}
	for _, vp := range templates {
		if vp.UserID == userID {
			return strings.TrimSpace(vp.WakePhrase)
		}
	}
	return ""
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		if a.orch.Monitoring() {
			if err := a.orch.Stop(ctx); err != nil {
				slog.Warn("monitoring stop error", "err", err)
			}
		}

		for _, srv := range a.servers {
			if err := srv.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "addr", srv.Addr, "err", err)
			}
		}

		a.wg.Wait()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// WakePolicy converts the config's wake section to the orchestrator policy.
func WakePolicy(cfg *config.Config) wakeup.Config {
	return wakeup.Config{
		WakeWordThreshold:    cfg.Wakeup.WakeWordThreshold,
		Cooldown:             secondsToDuration(cfg.Wakeup.Cooldown),
		MinRecordingDuration: secondsToDuration(cfg.Detection.MinRecordingDuration),
	}
}

// VADConfig converts the config's detection section to a segmentation config.
func VADConfig(cfg *config.Config) vad.Config {
	return vad.Config{
		SampleRate:           cfg.Audio.SampleRate,
		SilenceThreshold:     cfg.Detection.SilenceThreshold,
		SilenceTimeout:       secondsToDuration(cfg.Detection.SilenceTimeout),
		MaxRecordingDuration: secondsToDuration(cfg.Detection.MaxRecordingDuration),
	}
}

// MatcherConfig converts the config's matcher section to feature-extraction
// parameters.
func MatcherConfig(cfg *config.Config) wakeword.Config {
	return wakeword.Config{
		SampleRate:     cfg.Audio.SampleRate,
		FrameMs:        cfg.Matcher.FrameMs,
		HopMs:          cfg.Matcher.HopMs,
		NumBands:       cfg.Matcher.NumBands,
		SilenceFloor:   cfg.Matcher.SilenceFloor,
		MaxLengthRatio: cfg.Matcher.MaxLengthRatio,
	}
}

// SlogLevel maps a config log level to the slog equivalent.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
