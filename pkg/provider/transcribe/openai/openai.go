// Package openai provides a transcription provider backed by the OpenAI
// audio transcription API.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/ycxom/voicegate/pkg/audio"
	"github.com/ycxom/voicegate/pkg/provider/transcribe"
)

// DefaultModel is the default OpenAI transcription model.
const DefaultModel = oai.AudioModelWhisper1

// Ensure Provider implements the transcribe.Provider interface.
var _ transcribe.Provider = (*Provider)(nil)

// Provider implements transcribe.Provider using the OpenAI API. Utterances
// are wrapped in a WAV container and submitted as one batch request each.
type Provider struct {
	client   oai.Client
	model    string
	language string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL  string
	language string
	timeout  time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL, allowing use of
// API-compatible local servers.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithLanguage sets the ISO-639-1 language hint sent with each request.
func WithLanguage(lang string) Option {
	return func(c *config) {
		c.language = lang
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI transcription Provider. If model is empty,
// DefaultModel (whisper-1) is used.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai transcribe: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{
		client:   oai.NewClient(reqOpts...),
		model:    model,
		language: cfg.language,
	}, nil
}

// ModelID implements transcribe.Provider.
func (p *Provider) ModelID() string { return p.model }

// Transcribe implements transcribe.Provider.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}
	if sampleRate <= 0 {
		return "", fmt.Errorf("openai transcribe: invalid sample rate %d", sampleRate)
	}

	wav := audio.EncodeWAV(pcm, sampleRate, 1)

	params := oai.AudioTranscriptionNewParams{
		Model: p.model,
		File:  oai.File(bytes.NewReader(wav), "utterance.wav", "audio/wav"),
	}
	if p.language != "" {
		params.Language = param.NewOpt(p.language)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai transcribe: transcribe: %w", err)
	}
	return resp.Text, nil
}
