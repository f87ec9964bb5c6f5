// Package audio provides microphone capture, PCM utilities, and the recent
// audio ring buffer for the voicegate pipeline.
//
// The central type is [Source]: a single capture device shared between two
// mutually exclusive modes. Bulk capture (StartCapture/StopCapture)
// accumulates audio for enrollment; continuous monitoring (StartMonitoring)
// streams ~100 ms chunks to a subscriber and into a [RingBuffer] for
// on-demand retrieval of the last few seconds. Starting either mode
// implicitly stops the other.
//
// The capture callback runs on miniaudio's realtime thread. It only copies
// bytes, writes the ring buffer, and performs a non-blocking channel send —
// all heavier work happens on the consumer goroutine.
package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
)

// DefaultRingSeconds is how much recent audio a Source retains for
// [Source.RecentAudio].
const DefaultRingSeconds = 5

// stopTimeout bounds the wait for an asynchronous device stop. A device that
// does not confirm the stop within this window is torn down and fully
// re-initialized instead of hanging the caller.
const stopTimeout = 2 * time.Second

// chunkQueueDepth is the capacity of the callback→consumer chunk queue.
// When the consumer falls behind, the callback drops chunks rather than
// blocking the realtime path.
const chunkQueueDepth = 32

type sourceMode int

const (
	modeIdle sourceMode = iota
	modeCapture
	modeMonitor
)

// SourceConfig configures a capture [Source].
type SourceConfig struct {
	// Format is the capture format requested from the device. 16 kHz mono is
	// the pipeline's native format.
	Format Format

	// ChunkMs is the capture period in milliseconds. Default: 100.
	ChunkMs int

	// DeviceName selects a capture device by name substring. Empty selects
	// the system default device.
	DeviceName string

	// RingSeconds is how much recent audio to retain. Default:
	// [DefaultRingSeconds].
	RingSeconds int
}

// Source owns one capture device and multiplexes it between bulk capture and
// continuous monitoring.
//
// All exported methods are safe for concurrent use.
type Source struct {
	cfg SourceConfig

	mu         sync.Mutex
	ctx        *malgo.AllocatedContext
	device     *malgo.Device
	mode       sourceMode
	captureBuf []byte
	subscriber func(Chunk)
	chunks     chan Chunk
	pumpDone   chan struct{}
	ring       *RingBuffer
}

// NewSource initializes the miniaudio context and returns a Source in idle
// mode. The device itself is opened lazily when a mode starts. Call Close
// when the source is no longer needed.
func NewSource(cfg SourceConfig) (*Source, error) {
	if cfg.ChunkMs <= 0 {
		cfg.ChunkMs = 100
	}
	if cfg.RingSeconds <= 0 {
		cfg.RingSeconds = DefaultRingSeconds
	}
	if cfg.Format.SampleRate <= 0 || cfg.Format.Channels <= 0 {
		return nil, errors.New("audio: sample rate and channels must be positive")
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("audio: init context: %w", err)
	}

	return &Source{
		cfg:  cfg,
		ctx:  mctx,
		ring: NewRingBuffer(cfg.Format, cfg.RingSeconds),
	}, nil
}

// Format returns the capture format of the source.
func (s *Source) Format() Format { return s.cfg.Format }

// StartCapture begins accumulating audio into an internal buffer until
// [Source.StopCapture] is called. Any active monitoring is stopped first.
func (s *Source) StartCapture() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.stopLocked(); err != nil {
		return err
	}
	s.captureBuf = s.captureBuf[:0]
	if err := s.openDeviceLocked(); err != nil {
		return err
	}
	s.mode = modeCapture
	slog.Debug("audio capture started", "device", s.cfg.DeviceName)
	return nil
}

// StopCapture ends bulk capture and returns the accumulated PCM bytes.
// Returns nil if capture was never started.
func (s *Source) StopCapture() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode != modeCapture {
		return nil
	}
	if err := s.stopLocked(); err != nil {
		slog.Warn("audio capture stop error", "err", err)
	}
	out := make([]byte, len(s.captureBuf))
	copy(out, s.captureBuf)
	s.captureBuf = s.captureBuf[:0]
	return out
}

// StartMonitoring begins continuous chunk delivery to subscriber and to the
// recent-audio ring buffer. Any active bulk capture is stopped (its
// accumulated audio is discarded). The subscriber is invoked on a dedicated
// consumer goroutine, never on the device callback thread, and must keep up:
// chunks arriving while the subscriber is stalled are dropped.
func (s *Source) StartMonitoring(subscriber func(Chunk)) error {
	if subscriber == nil {
		return errors.New("audio: subscriber must not be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.stopLocked(); err != nil {
		return err
	}
	s.ring.Clear()
	s.subscriber = subscriber
	s.chunks = make(chan Chunk, chunkQueueDepth)
	s.pumpDone = make(chan struct{})
	go s.pump(s.chunks, s.pumpDone, subscriber)

	if err := s.openDeviceLocked(); err != nil {
		close(s.chunks)
		<-s.pumpDone
		s.chunks = nil
		s.pumpDone = nil
		return err
	}
	s.mode = modeMonitor
	slog.Debug("audio monitoring started", "device", s.cfg.DeviceName)
	return nil
}

// StopMonitoring stops continuous delivery. Safe to call when monitoring is
// not active.
func (s *Source) StopMonitoring() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode != modeMonitor {
		return
	}
	if err := s.stopLocked(); err != nil {
		slog.Warn("audio monitoring stop error", "err", err)
	}
}

// RecentAudio returns up to seconds of the most recently monitored audio,
// newest bytes included first when truncation applies. Returns nil when the
// ring buffer is empty.
func (s *Source) RecentAudio(seconds float64) []byte {
	return s.ring.Recent(seconds)
}

// UpdateInputDevice switches capture to the named device. Any active mode is
// stopped, the device is reopened, and the previous mode resumes on the new
// device.
func (s *Source) UpdateInputDevice(deviceName string) error {
	s.mu.Lock()
	prevMode := s.mode
	subscriber := s.subscriber
	if err := s.stopLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.cfg.DeviceName = deviceName
	s.mu.Unlock()

	switch prevMode {
	case modeCapture:
		return s.StartCapture()
	case modeMonitor:
		return s.StartMonitoring(subscriber)
	}
	return nil
}

// Close stops any active mode and releases the device and context.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stopErr := s.stopLocked()
	if s.ctx != nil {
		if err := s.ctx.Uninit(); err != nil {
			slog.Warn("audio context uninit error", "err", err)
		}
		s.ctx.Free()
		s.ctx = nil
	}
	return stopErr
}

// pump drains the chunk queue onto the subscriber until the queue closes.
func (s *Source) pump(chunks <-chan Chunk, done chan<- struct{}, subscriber func(Chunk)) {
	defer close(done)
	for c := range chunks {
		subscriber(c)
	}
}

// openDeviceLocked initializes and starts the capture device for the
// configured format. Must be called with s.mu held and no device open.
func (s *Source) openDeviceLocked() error {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.PeriodSizeInMilliseconds = uint32(s.cfg.ChunkMs)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(s.cfg.Format.Channels)
	deviceConfig.SampleRate = uint32(s.cfg.Format.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	if s.cfg.DeviceName != "" {
		id, err := s.findDeviceLocked(s.cfg.DeviceName)
		if err != nil {
			return err
		}
		deviceConfig.Capture.DeviceID = id.Pointer()
	}

	device, err := malgo.InitDevice(s.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: s.onData,
	})
	if err != nil {
		slog.Error("audio device init failed", "device", s.cfg.DeviceName, "err", err)
		return fmt.Errorf("audio: init device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		slog.Error("audio device start failed", "device", s.cfg.DeviceName, "err", err)
		return fmt.Errorf("audio: start device: %w", err)
	}
	s.device = device
	return nil
}

// onData is the miniaudio data callback. It runs on the realtime capture
// thread: copy, buffer, and a non-blocking send only.
func (s *Source) onData(_, inputSamples []byte, _ uint32) {
	data := make([]byte, len(inputSamples))
	copy(data, inputSamples)

	s.mu.Lock()
	mode := s.mode
	if mode == modeCapture {
		s.captureBuf = append(s.captureBuf, data...)
	}
	chunks := s.chunks
	s.mu.Unlock()

	if mode != modeMonitor {
		return
	}

	s.ring.Write(data)
	chunk := Chunk{
		Data:       data,
		SampleRate: s.cfg.Format.SampleRate,
		Channels:   s.cfg.Format.Channels,
		Timestamp:  time.Now(),
	}
	select {
	case chunks <- chunk:
	default:
		// Consumer is stalled; dropping is preferable to blocking the
		// realtime thread.
	}
}

// stopLocked stops the active device with a bounded wait and resets mode
// state. A stop that exceeds stopTimeout forces a full context
// re-initialization so the source never wedges. Must be called with s.mu
// held.
func (s *Source) stopLocked() error {
	if s.device == nil {
		s.mode = modeIdle
		return nil
	}
	device := s.device
	s.device = nil
	s.mode = modeIdle

	if s.chunks != nil {
		close(s.chunks)
		s.chunks = nil
	}

	done := make(chan struct{})
	go func() {
		device.Stop()
		device.Uninit()
		close(done)
	}()

	select {
	case <-done:
		if s.pumpDone != nil {
			<-s.pumpDone
			s.pumpDone = nil
		}
		return nil
	case <-time.After(stopTimeout):
		slog.Error("audio device stop timed out, forcing re-initialization",
			"timeout", stopTimeout)
		s.pumpDone = nil
		return s.reinitContextLocked()
	}
}

// reinitContextLocked tears down and recreates the miniaudio context after a
// wedged device stop. Must be called with s.mu held.
func (s *Source) reinitContextLocked() error {
	if s.ctx != nil {
		if err := s.ctx.Uninit(); err != nil {
			slog.Warn("audio context uninit error during recovery", "err", err)
		}
		s.ctx.Free()
	}
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		s.ctx = nil
		return fmt.Errorf("audio: reinit context: %w", err)
	}
	s.ctx = mctx
	return nil
}

// findDeviceLocked resolves a capture device whose name contains name.
func (s *Source) findDeviceLocked(name string) (malgo.DeviceID, error) {
	infos, err := s.ctx.Devices(malgo.Capture)
	if err != nil {
		return malgo.DeviceID{}, fmt.Errorf("audio: enumerate devices: %w", err)
	}
	for _, info := range infos {
		if containsFold(info.Name(), name) {
			return info.ID, nil
		}
	}
	return malgo.DeviceID{}, fmt.Errorf("audio: capture device %q not found", name)
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
