package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"vad":        {"energy", "silero"},
	"embedding":  {"sidecar"},
	"transcribe": {"whisper", "openai"},
}

// validStoreBackends lists the supported template store backends.
var validStoreBackends = []string{"file", "postgres"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Audio.BitDepth == 0 {
		cfg.Audio.BitDepth = 16
	}
	if cfg.Audio.RingSeconds <= 0 {
		cfg.Audio.RingSeconds = 5
	}

	if cfg.Detection.SilenceThreshold == 0 {
		cfg.Detection.SilenceThreshold = 0.02
	}
	if cfg.Detection.SilenceTimeout == 0 {
		cfg.Detection.SilenceTimeout = 2
	}
	if cfg.Detection.MinRecordingDuration == 0 {
		cfg.Detection.MinRecordingDuration = 0.5
	}
	if cfg.Detection.MaxRecordingDuration == 0 {
		cfg.Detection.MaxRecordingDuration = 10
	}

	if cfg.Wakeup.WakeWordThreshold == 0 {
		cfg.Wakeup.WakeWordThreshold = 0.5
	}
	if cfg.Wakeup.SpeakerThreshold == 0 {
		cfg.Wakeup.SpeakerThreshold = 0.7
	}
	if cfg.Wakeup.Cooldown == 0 {
		cfg.Wakeup.Cooldown = 3
	}

	if cfg.Matcher.FrameMs <= 0 {
		cfg.Matcher.FrameMs = 25
	}
	if cfg.Matcher.HopMs <= 0 {
		cfg.Matcher.HopMs = 10
	}
	if cfg.Matcher.NumBands <= 0 {
		cfg.Matcher.NumBands = 20
	}
	if cfg.Matcher.SilenceFloor == 0 {
		cfg.Matcher.SilenceFloor = 0.005
	}
	if cfg.Matcher.MaxLengthRatio == 0 {
		cfg.Matcher.MaxLengthRatio = 3
	}

	if cfg.Providers.VAD.Name == "" {
		cfg.Providers.VAD.Name = "energy"
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "file"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "voiceprints.json"
	}
	if cfg.Store.EmbeddingDimensions <= 0 {
		cfg.Store.EmbeddingDimensions = 256
	}

	if cfg.Enrollment.Utterances <= 0 {
		cfg.Enrollment.Utterances = 3
	}
	if cfg.Enrollment.UtteranceSeconds <= 0 {
		cfg.Enrollment.UtteranceSeconds = 3
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Audio.BitDepth != 16 {
		errs = append(errs, fmt.Errorf("audio.bit_depth %d is unsupported; only 16-bit PCM is supported", cfg.Audio.BitDepth))
	}
	if cfg.Audio.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is unsupported; valid values: 1, 2", cfg.Audio.Channels))
	}

	if t := cfg.Detection.SilenceThreshold; t <= 0 || t > 1 {
		errs = append(errs, fmt.Errorf("detection.silence_threshold %.4f is out of range (0, 1]", t))
	}
	if cfg.Detection.SilenceTimeout <= 0 {
		errs = append(errs, fmt.Errorf("detection.silence_timeout must be positive"))
	}
	if cfg.Detection.MaxRecordingDuration <= cfg.Detection.MinRecordingDuration {
		errs = append(errs, fmt.Errorf("detection.max_recording_duration %.2f must exceed min_recording_duration %.2f",
			cfg.Detection.MaxRecordingDuration, cfg.Detection.MinRecordingDuration))
	}

	if t := cfg.Wakeup.WakeWordThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("wakeup.wake_word_threshold %.4f is out of range [0, 1]", t))
	}
	if t := cfg.Wakeup.SpeakerThreshold; t < -1 || t > 1 {
		errs = append(errs, fmt.Errorf("wakeup.speaker_threshold %.4f is out of range [-1, 1]", t))
	}
	if cfg.Wakeup.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("wakeup.cooldown must not be negative"))
	}

	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("embedding", cfg.Providers.Embedding.Name)
	validateProviderName("transcribe", cfg.Providers.Transcribe.Name)

	if cfg.Providers.VAD.Name == "silero" && cfg.Providers.VAD.Model == "" {
		errs = append(errs, fmt.Errorf("providers.vad.model (model file path) is required for the silero engine"))
	}

	if cfg.Providers.Embedding.Name == "" {
		slog.Warn("no embedding provider configured; speaker verification will reject every utterance")
	}
	if cfg.Providers.Transcribe.Name == "" {
		slog.Warn("no transcription provider configured; wake-phrase confirmation is disabled")
	}

	if !slices.Contains(validStoreBackends, cfg.Store.Backend) {
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: file, postgres", cfg.Store.Backend))
	}
	if cfg.Store.Backend == "postgres" && cfg.Store.PostgresDSN == "" {
		errs = append(errs, fmt.Errorf("store.postgres_dsn is required when store.backend is postgres"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
