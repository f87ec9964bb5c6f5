package wakeup_test

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/ycxom/voicegate/internal/observe"
	"github.com/ycxom/voicegate/internal/wakeup"
	"github.com/ycxom/voicegate/pkg/audio"
	"github.com/ycxom/voicegate/pkg/dsp"
	"github.com/ycxom/voicegate/pkg/provider/embedding/mock"
	"github.com/ycxom/voicegate/pkg/template"
	"github.com/ycxom/voicegate/pkg/vad"
	"github.com/ycxom/voicegate/pkg/verify"
	"github.com/ycxom/voicegate/pkg/wakeword"
)

const (
	testRate    = 16000
	chunkMs     = 100
	chunkBytes  = testRate * chunkMs / 1000 * 2
	toneFreq    = 440.0
	toneAmp     = 0.5
	vadTimeout  = 500 * time.Millisecond
	minDuration = 300 * time.Millisecond
)

// fakeMonitor is an in-memory AudioMonitor that lets tests feed chunks
// directly into the orchestrator's subscriber.
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

func toneChunk() []byte {
	pcm := make([]byte, chunkBytes)
	for i := 0; i < chunkBytes/2; i++ {
		v := toneAmp * math.Sin(2*math.Pi*toneFreq*float64(i)/testRate)
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v*32767)))
	}
	return pcm
}

func silenceChunk() []byte { return make([]byte, chunkBytes) }

// feedUtterance pushes one second of tone followed by enough silence to end
// the segment.
func feedUtterance(f *fakeMonitor) {
	for i := 0; i < 10; i++ {
		f.feed(toneChunk())
	}
	for i := 0; i < 6; i++ {
		f.feed(silenceChunk())
	}
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

// newTestOrchestrator wires an orchestrator with an energy VAD, a mock
// embedding provider, and one enrolled voiceprint whose exemplar matches the
// synthetic tone utterance.
func newTestOrchestrator(t *testing.T, provider *mock.Provider, cfg wakeup.Config, opts ...wakeup.Option) (*wakeup.Orchestrator, *fakeMonitor) {
	t.Helper()

	matcher := wakeword.New(wakeword.DefaultConfig(testRate), nil)

	var exemplarPCM []byte
	for i := 0; i < 10; i++ {
		exemplarPCM = append(exemplarPCM, toneChunk()...)
	}
	exemplar := matcher.ExtractFeatures(exemplarPCM)

	templates := []template.Voiceprint{{
		UserID:      "user-1",
		DisplayName: "Test Speaker",
		Embedding:   []float32{1, 0, 0},
		Exemplars:   []dsp.MelSequence{exemplar},
		CreatedAt:   time.Now(),
	}}

	monitor := &fakeMonitor{}
	vadCfg := vad.Config{
		SampleRate:           testRate,
		SilenceThreshold:     0.02,
		SilenceTimeout:       vadTimeout,
		MaxRecordingDuration: 10 * time.Second,
	}

	opts = append([]wakeup.Option{wakeup.WithMetrics(testMetrics(t))}, opts...)
	o := wakeup.New(cfg, monitor, vad.NewEnergyEngine(), vadCfg,
		verify.New(provider, verify.WithThreshold(0.7)), matcher, templates, opts...)
	return o, monitor
}

func defaultPolicy() wakeup.Config {
	return wakeup.Config{
		WakeWordThreshold:    0.5,
		Cooldown:             10 * time.Second,
		MinRecordingDuration: minDuration,
	}
}

func TestStart_RequiresTemplates(t *testing.T) {
	provider := &mock.Provider{ExtractResult: []float32{1, 0, 0}}
	o, _ := newTestOrchestrator(t, provider, defaultPolicy())
	o.SetTemplates(nil)

	if err := o.Start(context.Background()); !errors.Is(err, wakeup.ErrNoTemplates) {
		t.Errorf("Start with no templates: err = %v, want ErrNoTemplates", err)
	}
}

func TestStart_RequiresExemplars(t *testing.T) {
	provider := &mock.Provider{ExtractResult: []float32{1, 0, 0}}
	o, _ := newTestOrchestrator(t, provider, defaultPolicy())
	o.SetTemplates([]template.Voiceprint{{UserID: "u1", Embedding: []float32{1, 0, 0}}})

	if err := o.Start(context.Background()); !errors.Is(err, wakeup.ErrNoExemplars) {
		t.Errorf("Start without exemplars: err = %v, want ErrNoExemplars", err)
	}
}

func TestStart_RefusesDoubleStart(t *testing.T) {
	provider := &mock.Provider{ExtractResult: []float32{1, 0, 0}}
	o, _ := newTestOrchestrator(t, provider, defaultPolicy())
	ctx := context.Background()

	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop(ctx)

	if err := o.Start(ctx); !errors.Is(err, wakeup.ErrAlreadyMonitoring) {
		t.Errorf("second Start: err = %v, want ErrAlreadyMonitoring", err)
	}
}

func TestWakeDecision_MatchingSpeaker(t *testing.T) {
	provider := &mock.Provider{ExtractResult: []float32{1, 0, 0}, DimensionsValue: 3}
	o, monitor := newTestOrchestrator(t, provider, defaultPolicy())
	ctx := context.Background()

	decisions := make(chan wakeup.Decision, 4)
	o.Subscribe(func(d wakeup.Decision) { decisions <- d })

	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	feedUtterance(monitor)
	if err := o.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case d := <-decisions:
		if !d.Result.IsVerified {
			t.Error("decision not verified")
		}
		if d.Result.MatchedUserID != "user-1" {
			t.Errorf("matched user: got %q, want user-1", d.Result.MatchedUserID)
		}
		if d.WakeScore < 0.5 {
			t.Errorf("wake score: got %v, want >= 0.5", d.WakeScore)
		}
		if len(d.Segment) == 0 {
			t.Error("decision carries empty segment")
		}
	default:
		t.Fatal("no wake decision emitted")
	}
}

func TestWakeDecision_RejectsOtherSpeaker(t *testing.T) {
	provider := &mock.Provider{ExtractResult: []float32{-1, 0, 0}, DimensionsValue: 3}
	o, monitor := newTestOrchestrator(t, provider, defaultPolicy())
	ctx := context.Background()

	var wakes atomic.Int32
	o.Subscribe(func(wakeup.Decision) { wakes.Add(1) })

	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	feedUtterance(monitor)
	o.Stop(ctx)

	if got := wakes.Load(); got != 0 {
		t.Errorf("wake count: got %d, want 0", got)
	}
	if len(provider.ExtractCalls) != 1 {
		t.Errorf("extract calls: got %d, want 1", len(provider.ExtractCalls))
	}
}

func TestCooldown_SuppressesSecondWake(t *testing.T) {
	provider := &mock.Provider{ExtractResult: []float32{1, 0, 0}, DimensionsValue: 3}
	o, monitor := newTestOrchestrator(t, provider, defaultPolicy())
	ctx := context.Background()

	decisions := make(chan wakeup.Decision, 4)
	o.Subscribe(func(d wakeup.Decision) { decisions <- d })

	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	feedUtterance(monitor)
	// Wait for the first analysis so lastWake is set before the second
	// segment arrives.
	select {
	case <-decisions:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first wake")
	}

	feedUtterance(monitor)
	o.Stop(ctx)

	select {
	case <-decisions:
		t.Error("second wake fired inside cooldown window")
	default:
	}
}

func TestShortSegmentDropped(t *testing.T) {
	provider := &mock.Provider{ExtractResult: []float32{1, 0, 0}, DimensionsValue: 3}
	o, monitor := newTestOrchestrator(t, provider, defaultPolicy())
	ctx := context.Background()

	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// One 100 ms tone chunk is below the 300 ms minimum.
	monitor.feed(toneChunk())
	for i := 0; i < 6; i++ {
		monitor.feed(silenceChunk())
	}
	o.Stop(ctx)

	if len(provider.ExtractCalls) != 0 {
		t.Errorf("extract calls: got %d, want 0 for sub-minimum segment", len(provider.ExtractCalls))
	}
}

func TestBusyDropsOverlappingSegment(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var inFlight, maxInFlight atomic.Int32

	provider := &mock.Provider{
		DimensionsValue: 3,
		ExtractFunc: func([]float64) ([]float32, error) {
			cur := inFlight.Add(1)
			for {
				prev := maxInFlight.Load()
				if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
					break
				}
			}
			started <- struct{}{}
			<-release
			inFlight.Add(-1)
			return []float32{1, 0, 0}, nil
		},
	}
	o, monitor := newTestOrchestrator(t, provider, defaultPolicy())
	ctx := context.Background()

	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	feedUtterance(monitor)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first analysis to start")
	}

	// Second segment arrives while the first is still in flight.
	feedUtterance(monitor)
	close(release)
	o.Stop(ctx)

	if got := len(provider.ExtractCalls); got != 1 {
		t.Errorf("extract calls: got %d, want 1 (overlapping segment dropped)", got)
	}
	if got := maxInFlight.Load(); got > 1 {
		t.Errorf("max concurrent analyses: got %d, want 1", got)
	}
}

func TestStop_NotMonitoring(t *testing.T) {
	provider := &mock.Provider{ExtractResult: []float32{1, 0, 0}}
	o, _ := newTestOrchestrator(t, provider, defaultPolicy())

	if err := o.Stop(context.Background()); !errors.Is(err, wakeup.ErrNotMonitoring) {
		t.Errorf("Stop without Start: err = %v, want ErrNotMonitoring", err)
	}
}
