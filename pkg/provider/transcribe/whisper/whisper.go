// Package whisper provides a transcription provider backed by the whisper.cpp
// CGO bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/ycxom/voicegate/pkg/audio"
	"github.com/ycxom/voicegate/pkg/provider/transcribe"
)

// whisperSampleRate is the only sample rate whisper.cpp accepts. Input at
// other rates is resampled before inference.
const whisperSampleRate = 16000

const defaultLanguage = "en"

// Compile-time assertion that Provider satisfies transcribe.Provider.
var _ transcribe.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the BCP-47 language code for transcription (e.g., "en",
// "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// Provider implements transcribe.Provider using the whisper.cpp Go bindings.
// The model is loaded once at construction and shared across calls; each
// Transcribe call creates its own whisper context because contexts are not
// thread-safe while the model is.
type Provider struct {
	model    whisperlib.Model
	modelID  string
	language string
}

// New loads the whisper.cpp model from the given file path. The caller must
// call Close when the provider is no longer needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &Provider{
		model:    model,
		modelID:  filepath.Base(modelPath),
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// ModelID implements transcribe.Provider.
func (p *Provider) ModelID() string { return p.modelID }

// Transcribe implements transcribe.Provider. The context is checked before
// inference starts; whisper.cpp itself has no cancellation hook, so a call
// already in Process runs to completion.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("whisper: context cancelled: %w", err)
	}
	if sampleRate <= 0 {
		return "", fmt.Errorf("whisper: invalid sample rate %d", sampleRate)
	}

	samples := toFloat32(audio.Samples(audio.ResampleMono16(pcm, sampleRate, whisperSampleRate)))
	if len(samples) == 0 {
		return "", nil
	}

	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(p.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", p.language, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

func toFloat32(samples []float64) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s)
	}
	return out
}
