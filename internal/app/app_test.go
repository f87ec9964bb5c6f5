package app_test

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/ycxom/voicegate/internal/app"
	"github.com/ycxom/voicegate/internal/config"
	"github.com/ycxom/voicegate/internal/observe"
	"github.com/ycxom/voicegate/internal/wakeup"
	"github.com/ycxom/voicegate/pkg/audio"
	"github.com/ycxom/voicegate/pkg/dsp"
	"github.com/ycxom/voicegate/pkg/provider/embedding/mock"
	"github.com/ycxom/voicegate/pkg/template"
	"github.com/ycxom/voicegate/pkg/vad"
	"github.com/ycxom/voicegate/pkg/wakeword"
)

const testRate = 16000

type fakeMonitor struct {
	mu  sync.Mutex
	sub func(audio.Chunk)
}

func (f *fakeMonitor) Format() audio.Format {
	return audio.Format{SampleRate: testRate, Channels: 1}
}

func (f *fakeMonitor) StartMonitoring(sub func(audio.Chunk)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sub = sub
	return nil
}

func (f *fakeMonitor) StopMonitoring() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sub = nil
}

func (f *fakeMonitor) feed(pcm []byte) {
	f.mu.Lock()
	sub := f.sub
	f.mu.Unlock()
	if sub != nil {
		sub(audio.Chunk{Data: pcm, SampleRate: testRate, Channels: 1, Timestamp: time.Now()})
	}
}

type memStore struct {
	mu     sync.Mutex
	prints []template.Voiceprint
}

func (s *memStore) Save(_ context.Context, vp template.Voiceprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prints = append(s.prints, vp)
	return nil
}

func (s *memStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, vp := range s.prints {
		if vp.UserID == userID {
			s.prints = append(s.prints[:i], s.prints[i+1:]...)
			return nil
		}
	}
	return template.ErrNotFound
}

func (s *memStore) List(context.Context) ([]template.Voiceprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]template.Voiceprint, len(s.prints))
	copy(out, s.prints)
	return out, nil
}

type fakeTranscriber struct {
	mu    sync.Mutex
	text  string
	calls int
	done  chan struct{}
}

func (f *fakeTranscriber) Transcribe(context.Context, []byte, int) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.done != nil {
		f.done <- struct{}{}
	}
	return f.text, nil
}

func (f *fakeTranscriber) ModelID() string { return "fake" }

func tonePCM(seconds float64) []byte {
	n := int(seconds * testRate)
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := 0.5 * math.Sin(2*math.Pi*440*float64(i)/testRate)
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v*32767)))
	}
	return pcm
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	// Short silence window so tests segment quickly.
	cfg.Detection.SilenceTimeout = 0.5
	cfg.Detection.MinRecordingDuration = 0.3
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func TestNew_RequiresProviders(t *testing.T) {
	cfg := testConfig()
	_, err := app.New(context.Background(), cfg, &app.Providers{})
	if err == nil {
		t.Fatal("expected error without providers")
	}

	_, err = app.New(context.Background(), cfg, &app.Providers{VAD: vad.NewEnergyEngine()})
	if err == nil {
		t.Fatal("expected error without embedding provider")
	}
}

func TestRun_WakeAndTranscript(t *testing.T) {
	cfg := testConfig()
	matcher := wakeword.New(app.MatcherConfig(cfg), nil)
	store := &memStore{prints: []template.Voiceprint{{
		UserID:      "u1",
		DisplayName: "Alice",
		Embedding:   []float32{1, 0, 0},
		Exemplars:   []dsp.MelSequence{matcher.ExtractFeatures(tonePCM(1))},
		WakePhrase:  "hey aurora",
	}}}

	monitor := &fakeMonitor{}
	transcriber := &fakeTranscriber{text: "hey aurora", done: make(chan struct{}, 1)}
	providers := &app.Providers{
		VAD:        vad.NewEnergyEngine(),
		Embedding:  &mock.Provider{ExtractResult: []float32{1, 0, 0}, DimensionsValue: 3},
		Transcribe: transcriber,
	}

	a, err := app.New(context.Background(), cfg, providers,
		app.WithStore(store),
		app.WithMonitor(monitor),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	decisions := make(chan wakeup.Decision, 1)
	a.Subscribe(func(d wakeup.Decision) { decisions <- d })

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	// One second of tone then enough silence to end the segment.
	chunk := testRate / 10 * 2
	tone := tonePCM(1)
	for off := 0; off < len(tone); off += chunk {
		end := off + chunk
		if end > len(tone) {
			end = len(tone)
		}
		monitor.feed(tone[off:end])
	}
	for i := 0; i < 6; i++ {
		monitor.feed(make([]byte, chunk))
	}

	select {
	case d := <-decisions:
		if d.Result.MatchedUserID != "u1" {
			t.Errorf("matched user: got %q, want u1", d.Result.MatchedUserID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for wake decision")
	}

	select {
	case <-transcriber.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for transcript confirmation")
	}

	cancel()
	if err := <-runErr; !errors.Is(err, context.Canceled) {
		t.Errorf("Run: err = %v, want context.Canceled", err)
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	if err := a.Shutdown(shutCtx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestApplyConfig_LogLevelAndPolicy(t *testing.T) {
	cfg := testConfig()
	matcher := wakeword.New(app.MatcherConfig(cfg), nil)
	store := &memStore{prints: []template.Voiceprint{{
		UserID:    "u1",
		Embedding: []float32{1, 0, 0},
		Exemplars: []dsp.MelSequence{matcher.ExtractFeatures(tonePCM(1))},
	}}}

	var lv slog.LevelVar
	a, err := app.New(context.Background(), cfg,
		&app.Providers{
			VAD:       vad.NewEnergyEngine(),
			Embedding: &mock.Provider{ExtractResult: []float32{1, 0, 0}},
		},
		app.WithStore(store),
		app.WithMonitor(&fakeMonitor{}),
		app.WithMetrics(testMetrics(t)),
		app.WithLogLevel(&lv),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	updated := *cfg
	updated.Server.LogLevel = config.LogDebug
	updated.Wakeup.WakeWordThreshold = 0.9
	a.ApplyConfig(cfg, &updated)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("log level: got %v, want debug", lv.Level())
	}
}

func TestReloadTemplates(t *testing.T) {
	cfg := testConfig()
	matcher := wakeword.New(app.MatcherConfig(cfg), nil)
	store := &memStore{prints: []template.Voiceprint{{
		UserID:    "u1",
		Embedding: []float32{1, 0, 0},
		Exemplars: []dsp.MelSequence{matcher.ExtractFeatures(tonePCM(1))},
	}}}

	a, err := app.New(context.Background(), cfg,
		&app.Providers{
			VAD:       vad.NewEnergyEngine(),
			Embedding: &mock.Provider{ExtractResult: []float32{1, 0, 0}},
		},
		app.WithStore(store),
		app.WithMonitor(&fakeMonitor{}),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	store.Save(context.Background(), template.Voiceprint{
		UserID:    "u2",
		Embedding: []float32{0, 1, 0},
		Exemplars: []dsp.MelSequence{matcher.ExtractFeatures(tonePCM(1))},
	})
	if err := a.ReloadTemplates(context.Background()); err != nil {
		t.Fatalf("ReloadTemplates: %v", err)
	}
}
