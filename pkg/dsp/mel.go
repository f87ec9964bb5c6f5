package dsp

import (
	"math"
	"sync"
)

// logFloor is the minimum power fed into the log to avoid -Inf on silent
// bands.
const logFloor = 1e-10

// MelConfig parameterizes [ComputeMel].
type MelConfig struct {
	// SampleRate of the input samples in Hz.
	SampleRate int

	// FrameSize is the analysis window length in samples (~25 ms).
	FrameSize int

	// HopSize is the frame advance in samples (~10 ms).
	HopSize int

	// FFTSize is the transform length. Values below FrameSize are rounded up
	// to the next power of two ≥ FrameSize.
	FFTSize int

	// NumBands is the number of Mel filterbank bands.
	NumBands int

	// CMVN enables per-band mean subtraction across the sequence, cancelling
	// volume and distance bias between enrollment and runtime audio.
	CMVN bool
}

// MelSequence is a sequence of log-Mel feature frames extracted from one
// utterance or exemplar.
type MelSequence struct {
	// Frames holds one feature vector of NumBands values per analysis frame.
	Frames [][]float64

	// NumBands is the length of every frame vector.
	NumBands int

	// Duration is the play time of the source audio in seconds.
	Duration float64

	// Condition optionally tags the recording condition of an enrollment
	// exemplar (e.g., "near", "far", "quiet").
	Condition string
}

// FrameCount returns the number of frames in the sequence.
func (m MelSequence) FrameCount() int { return len(m.Frames) }

// ComputeMel converts normalized samples in [-1, 1] into a [MelSequence]:
// Hamming window per frame, power spectrum via radix-2 FFT, projection
// through a Slaney-normalized triangular Mel filterbank, natural log with a
// floor, and optional CMVN. Returns an empty sequence when the input is
// shorter than one frame.
func ComputeMel(samples []float64, cfg MelConfig) MelSequence {
	if cfg.FrameSize <= 0 || cfg.HopSize <= 0 || cfg.NumBands <= 0 || cfg.SampleRate <= 0 {
		return MelSequence{NumBands: cfg.NumBands}
	}
	fftSize := cfg.FFTSize
	if fftSize < cfg.FrameSize {
		fftSize = NextPow2(cfg.FrameSize)
	}

	seq := MelSequence{
		NumBands: cfg.NumBands,
		Duration: float64(len(samples)) / float64(cfg.SampleRate),
	}
	if len(samples) < cfg.FrameSize {
		return seq
	}

	bank := melBank(fftSize, cfg.NumBands, cfg.SampleRate)
	window := hammingWindow(cfg.FrameSize)

	numFrames := 1 + (len(samples)-cfg.FrameSize)/cfg.HopSize
	seq.Frames = make([][]float64, 0, numFrames)
	frame := make([]float64, cfg.FrameSize)

	for f := 0; f < numFrames; f++ {
		start := f * cfg.HopSize
		for i := 0; i < cfg.FrameSize; i++ {
			frame[i] = samples[start+i] * window[i]
		}
		power := PowerSpectrum(frame, fftSize)

		bands := make([]float64, cfg.NumBands)
		for b, filter := range bank.filters {
			var e float64
			for k := filter.start; k < filter.start+len(filter.weights); k++ {
				e += power[k] * filter.weights[k-filter.start]
			}
			if e < logFloor {
				e = logFloor
			}
			bands[b] = math.Log(e)
		}
		seq.Frames = append(seq.Frames, bands)
	}

	if cfg.CMVN {
		subtractBandMeans(seq.Frames, cfg.NumBands)
	}
	return seq
}

// subtractBandMeans applies per-band mean subtraction in place.
func subtractBandMeans(frames [][]float64, numBands int) {
	if len(frames) == 0 {
		return
	}
	means := make([]float64, numBands)
	for _, fr := range frames {
		for b, v := range fr {
			means[b] += v
		}
	}
	inv := 1 / float64(len(frames))
	for b := range means {
		means[b] *= inv
	}
	for _, fr := range frames {
		for b := range fr {
			fr[b] -= means[b]
		}
	}
}

// hammingWindow returns the Hamming window coefficients for size samples.
func hammingWindow(size int) []float64 {
	w := make([]float64, size)
	if size == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(size-1))
	}
	return w
}

// melFilter is one triangular filter expressed as a dense weight run starting
// at FFT bin start.
type melFilter struct {
	start   int
	weights []float64
}

// filterBank is an immutable set of triangular Mel filters for one
// (fftSize, numBands, sampleRate) configuration.
type filterBank struct {
	filters []melFilter
}

type bankKey struct {
	fftSize    int
	numBands   int
	sampleRate int
}

// Filterbanks depend only on configuration, never on runtime data, so they
// are built once per configuration and shared read-only across calls.
var (
	bankMu    sync.Mutex
	bankCache = map[bankKey]*filterBank{}
)

// melBank returns the cached filterbank for the configuration, building it
// on first use.
func melBank(fftSize, numBands, sampleRate int) *filterBank {
	key := bankKey{fftSize, numBands, sampleRate}

	bankMu.Lock()
	defer bankMu.Unlock()
	if bank, ok := bankCache[key]; ok {
		return bank
	}
	bank := buildMelBank(fftSize, numBands, sampleRate)
	bankCache[key] = bank
	return bank
}

// buildMelBank constructs numBands triangular filters with center frequencies
// spaced linearly on the Mel scale between 0 Hz and Nyquist. Each filter is
// Slaney-normalized: its coefficients sum to 1, so band energies are
// comparable regardless of filter width.
func buildMelBank(fftSize, numBands, sampleRate int) *filterBank {
	numBins := fftSize/2 + 1
	nyquist := float64(sampleRate) / 2

	melMax := hzToMel(nyquist)
	// numBands filters need numBands+2 edge points.
	edges := make([]float64, numBands+2)
	for i := range edges {
		edges[i] = melToHz(melMax * float64(i) / float64(numBands+1))
	}

	binHz := float64(sampleRate) / float64(fftSize)
	filters := make([]melFilter, numBands)

	for b := 0; b < numBands; b++ {
		lo, center, hi := edges[b], edges[b+1], edges[b+2]

		startBin := int(math.Ceil(lo / binHz))
		endBin := int(math.Floor(hi / binHz))
		if endBin >= numBins {
			endBin = numBins - 1
		}
		if startBin > endBin {
			startBin = endBin
		}

		weights := make([]float64, endBin-startBin+1)
		var sum float64
		for k := startBin; k <= endBin; k++ {
			f := float64(k) * binHz
			var w float64
			switch {
			case f < center && center > lo:
				w = (f - lo) / (center - lo)
			case f >= center && hi > center:
				w = (hi - f) / (hi - center)
			}
			if w < 0 {
				w = 0
			}
			weights[k-startBin] = w
			sum += w
		}
		if sum > 0 {
			for i := range weights {
				weights[i] /= sum
			}
		}
		filters[b] = melFilter{start: startBin, weights: weights}
	}
	return &filterBank{filters: filters}
}

// hzToMel converts a frequency in Hz to the Mel scale.
func hzToMel(hz float64) float64 {
	return 2595 * math.Log10(1+hz/700)
}

// melToHz converts a Mel-scale value back to Hz.
func melToHz(mel float64) float64 {
	return 700 * (math.Pow(10, mel/2595) - 1)
}
