// Package wakeword scores utterances against enrolled wake-word exemplars
// using dynamic time warping over log-Mel feature sequences.
package wakeword

import (
	"log/slog"
	"math"

	"github.com/ycxom/voicegate/pkg/audio"
	"github.com/ycxom/voicegate/pkg/dsp"
)

// minFrames is the smallest trimmed sequence length worth matching. Anything
// shorter carries too little spectral structure to warp against an exemplar.
const minFrames = 3

// Config parameterizes a [Matcher].
type Config struct {
	// SampleRate of incoming utterance audio in Hz.
	SampleRate int

	// FrameMs is the analysis window length in milliseconds.
	FrameMs int

	// HopMs is the frame advance in milliseconds.
	HopMs int

	// NumBands is the Mel filterbank band count. Exemplars whose band count
	// differs are skipped, not rejected.
	NumBands int

	// SilenceFloor is the per-frame RMS below which leading and trailing
	// frames are trimmed before matching. Tuned empirically, not derived.
	SilenceFloor float64

	// MaxLengthRatio rejects an exemplar pairing outright when the two frame
	// counts differ by more than this factor.
	MaxLengthRatio float64
}

// DefaultConfig returns the matcher configuration used at enrollment and at
// runtime. Both sides must extract features identically or DTW costs are
// meaningless.
func DefaultConfig(sampleRate int) Config {
	return Config{
		SampleRate:     sampleRate,
		FrameMs:        25,
		HopMs:          10,
		NumBands:       20,
		SilenceFloor:   0.005,
		MaxLengthRatio: 3,
	}
}

// Matcher scores raw PCM utterances against Mel exemplar sequences.
type Matcher struct {
	cfg Config
	log *slog.Logger
}

// New returns a Matcher for the given configuration. Zero or negative fields
// fall back to [DefaultConfig] values.
func New(cfg Config, log *slog.Logger) *Matcher {
	def := DefaultConfig(cfg.SampleRate)
	if cfg.FrameMs <= 0 {
		cfg.FrameMs = def.FrameMs
	}
	if cfg.HopMs <= 0 {
		cfg.HopMs = def.HopMs
	}
	if cfg.NumBands <= 0 {
		cfg.NumBands = def.NumBands
	}
	if cfg.SilenceFloor <= 0 {
		cfg.SilenceFloor = def.SilenceFloor
	}
	if cfg.MaxLengthRatio <= 0 {
		cfg.MaxLengthRatio = def.MaxLengthRatio
	}
	if log == nil {
		log = slog.Default()
	}
	return &Matcher{cfg: cfg, log: log}
}

// ExtractFeatures converts a PCM utterance into the trimmed Mel sequence the
// matcher compares. Enrollment uses the same path so exemplars and runtime
// segments are directly comparable.
func (m *Matcher) ExtractFeatures(pcm []byte) dsp.MelSequence {
	samples := audio.Samples(pcm)
	frameSize := m.cfg.SampleRate * m.cfg.FrameMs / 1000
	hopSize := m.cfg.SampleRate * m.cfg.HopMs / 1000

	seq := dsp.ComputeMel(samples, dsp.MelConfig{
		SampleRate: m.cfg.SampleRate,
		FrameSize:  frameSize,
		HopSize:    hopSize,
		NumBands:   m.cfg.NumBands,
		CMVN:       true,
	})
	seq.Frames = trimSilentFrames(seq.Frames, samples, frameSize, hopSize, m.cfg.SilenceFloor)
	return seq
}

// Match scores the utterance against every exemplar and returns the best
// similarity in [0,1]. Exemplars that are too short, carry a different band
// count, or differ in length beyond the configured ratio contribute 0.
func (m *Matcher) Match(utterance []byte, exemplars []dsp.MelSequence) float64 {
	query := m.ExtractFeatures(utterance)
	if query.FrameCount() < minFrames {
		return 0
	}

	var best float64
	for _, ex := range exemplars {
		if ex.FrameCount() < minFrames || ex.NumBands != query.NumBands {
			continue
		}
		if lengthMismatch(query.FrameCount(), ex.FrameCount(), m.cfg.MaxLengthRatio) {
			continue
		}
		if sim := dsp.DTWSimilarity(query, ex); sim > best {
			best = sim
		}
	}

	m.log.Debug("wake-word match",
		"frames", query.FrameCount(),
		"exemplars", len(exemplars),
		"similarity", best)
	return best
}

// lengthMismatch reports whether two frame counts differ by more than the
// ratio. Such gross mismatch cannot represent the same phrase.
func lengthMismatch(a, b int, ratio float64) bool {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	return float64(hi) > ratio*float64(lo)
}

// trimSilentFrames drops leading and trailing frames whose source-sample RMS
// falls below the floor. Interior quiet frames are kept so word-internal
// pauses survive.
func trimSilentFrames(frames [][]float64, samples []float64, frameSize, hopSize int, floor float64) [][]float64 {
	if len(frames) == 0 {
		return frames
	}

	active := func(f int) bool {
		start := f * hopSize
		end := start + frameSize
		if end > len(samples) {
			end = len(samples)
		}
		if start >= end {
			return false
		}
		var sum float64
		for _, s := range samples[start:end] {
			sum += s * s
		}
		return math.Sqrt(sum/float64(end-start)) >= floor
	}

	first, last := 0, len(frames)-1
	for first <= last && !active(first) {
		first++
	}
	for last >= first && !active(last) {
		last--
	}
	if first > last {
		return nil
	}
	return frames[first : last+1]
}
