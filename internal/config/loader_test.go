package config_test

import (
	"strings"
	"testing"

	"github.com/ycxom/voicegate/internal/config"
)

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader("{}\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Audio.SampleRate != 16000 {
		t.Errorf("audio.sample_rate default: got %d, want 16000", cfg.Audio.SampleRate)
	}
	if cfg.Audio.RingSeconds != 5 {
		t.Errorf("audio.ring_seconds default: got %d, want 5", cfg.Audio.RingSeconds)
	}
	if cfg.Detection.SilenceTimeout != 2 {
		t.Errorf("detection.silence_timeout default: got %v, want 2", cfg.Detection.SilenceTimeout)
	}
	if cfg.Wakeup.SpeakerThreshold != 0.7 {
		t.Errorf("wakeup.speaker_threshold default: got %v, want 0.7", cfg.Wakeup.SpeakerThreshold)
	}
	if cfg.Matcher.SilenceFloor != 0.005 {
		t.Errorf("matcher.silence_floor default: got %v, want 0.005", cfg.Matcher.SilenceFloor)
	}
	if cfg.Providers.VAD.Name != "energy" {
		t.Errorf("providers.vad.name default: got %q, want energy", cfg.Providers.VAD.Name)
	}
	if cfg.Store.Backend != "file" {
		t.Errorf("store.backend default: got %q, want file", cfg.Store.Backend)
	}
}

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: debug
  events_addr: ":8765"
audio:
  sample_rate: 48000
  channels: 2
  input_device: "USB Microphone"
detection:
  silence_threshold: 0.03
  silence_timeout: 1.5
  min_recording_duration: 0.4
  max_recording_duration: 8
wakeup:
  wake_word_threshold: 0.6
  speaker_threshold: 0.75
  cooldown: 5
providers:
  vad:
    name: silero
    model: "models/silero_vad.onnx"
  embedding:
    name: sidecar
    base_url: "http://localhost:8571"
  transcribe:
    name: whisper
    model: "models/ggml-base.en.bin"
store:
  backend: postgres
  postgres_dsn: "postgres://localhost/voicegate"
  embedding_dimensions: 512
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Audio.SampleRate != 48000 || cfg.Audio.Channels != 2 {
		t.Errorf("audio: got %+v", cfg.Audio)
	}
	if cfg.Audio.InputDevice != "USB Microphone" {
		t.Errorf("audio.input_device: got %q", cfg.Audio.InputDevice)
	}
	if cfg.Wakeup.Cooldown != 5 {
		t.Errorf("wakeup.cooldown: got %v, want 5", cfg.Wakeup.Cooldown)
	}
	if cfg.Providers.VAD.Model != "models/silero_vad.onnx" {
		t.Errorf("providers.vad.model: got %q", cfg.Providers.VAD.Model)
	}
	if cfg.Store.EmbeddingDimensions != 512 {
		t.Errorf("store.embedding_dimensions: got %d, want 512", cfg.Store.EmbeddingDimensions)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	yaml := `
audio:
  sample_rte: 16000
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "invalid log level",
			yaml:    "server:\n  log_level: bananas\n",
			wantErr: "log_level",
		},
		{
			name:    "unsupported bit depth",
			yaml:    "audio:\n  bit_depth: 24\n",
			wantErr: "bit_depth",
		},
		{
			name:    "silence threshold out of range",
			yaml:    "detection:\n  silence_threshold: 1.5\n",
			wantErr: "silence_threshold",
		},
		{
			name:    "max below min duration",
			yaml:    "detection:\n  min_recording_duration: 5\n  max_recording_duration: 1\n",
			wantErr: "max_recording_duration",
		},
		{
			name:    "speaker threshold out of range",
			yaml:    "wakeup:\n  speaker_threshold: 1.5\n",
			wantErr: "speaker_threshold",
		},
		{
			name:    "silero without model path",
			yaml:    "providers:\n  vad:\n    name: silero\n",
			wantErr: "providers.vad.model",
		},
		{
			name:    "postgres without dsn",
			yaml:    "store:\n  backend: postgres\n",
			wantErr: "postgres_dsn",
		},
		{
			name:    "unknown store backend",
			yaml:    "store:\n  backend: redis\n",
			wantErr: "store.backend",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error should mention %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_JoinsMultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
audio:
  bit_depth: 8
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"log_level", "bit_depth"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}
