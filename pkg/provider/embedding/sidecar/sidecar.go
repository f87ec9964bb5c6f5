// Package sidecar provides a speaker-embedding provider backed by a local
// HTTP inference sidecar.
//
// The sidecar hosts the speaker-verification model and exposes a single
// /embed endpoint accepting JSON {"samples": [...], "sample_rate": N} and
// returning {"embedding": [...], "model": "..."}. Running the model out of
// process keeps the ONNX/PyTorch runtime out of this binary and lets the
// sidecar be swapped without rebuilding.
//
// Only standard library packages are used beyond the provider interface — no
// additional dependencies are required.
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ycxom/voicegate/pkg/provider/embedding"
)

// DefaultBaseURL is the default address of a locally running sidecar.
const DefaultBaseURL = "http://localhost:8571"

// Ensure Provider implements the embedding.Provider interface.
var _ embedding.Provider = (*Provider)(nil)

// Provider implements embedding.Provider against an HTTP sidecar.
// Safe for concurrent use.
type Provider struct {
	baseURL    string
	model      string
	sampleRate int
	dimensions int
	httpClient *http.Client
}

// config holds optional configuration collected from functional options.
type config struct {
	timeout    time.Duration
	sampleRate int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithTimeout sets a per-request HTTP timeout. Zero or negative means no
// timeout (the default).
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithSampleRate sets the sample rate reported to the sidecar with every
// request. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(c *config) { c.sampleRate = rate }
}

// New constructs a sidecar Provider. baseURL defaults to [DefaultBaseURL]
// when empty; a trailing slash is stripped. dimensions is the vector length
// the sidecar's model produces and must be positive.
func New(baseURL string, model string, dimensions int, opts ...Option) (*Provider, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("sidecar embedding: dimensions must be positive")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	cfg := &config{sampleRate: 16000}
	for _, o := range opts {
		o(cfg)
	}

	httpClient := &http.Client{}
	if cfg.timeout > 0 {
		httpClient.Timeout = cfg.timeout
	}

	return &Provider{
		baseURL:    baseURL,
		model:      model,
		sampleRate: cfg.sampleRate,
		dimensions: dimensions,
		httpClient: httpClient,
	}, nil
}

// embedRequest is the JSON body sent to POST /embed.
type embedRequest struct {
	Samples    []float64 `json:"samples"`
	SampleRate int       `json:"sample_rate"`
	Model      string    `json:"model,omitempty"`
}

// embedResponse is the JSON body returned by the sidecar.
type embedResponse struct {
	Embedding []float32 `json:"embedding"`
	Model     string    `json:"model"`
	Error     string    `json:"error"`
}

// Extract implements [embedding.Provider].
func (p *Provider) Extract(ctx context.Context, samples []float64) ([]float32, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("sidecar embedding: empty input")
	}

	body, err := json.Marshal(embedRequest{
		Samples:    samples,
		SampleRate: p.sampleRate,
		Model:      p.model,
	})
	if err != nil {
		return nil, fmt.Errorf("sidecar embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sidecar embedding: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sidecar embedding: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("sidecar embedding: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("sidecar embedding: decode response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("sidecar embedding: %s", out.Error)
	}
	if len(out.Embedding) != p.dimensions {
		return nil, fmt.Errorf("sidecar embedding: expected %d dimensions, got %d", p.dimensions, len(out.Embedding))
	}
	return out.Embedding, nil
}

// Dimensions implements [embedding.Provider].
func (p *Provider) Dimensions() int { return p.dimensions }

// ModelID implements [embedding.Provider].
func (p *Provider) ModelID() string {
	if p.model == "" {
		return "sidecar-default"
	}
	return p.model
}
