package audio

import "time"

// Chunk represents a single chunk of captured audio flowing through the
// pipeline. Chunks are the atomic unit of audio transport — produced once per
// capture callback and handed to whichever consumer needs them (capture
// accumulator, ring buffer, VAD). A Chunk must never be mutated after
// creation; consumers that need to retain data past the callback must copy it.
type Chunk struct {
	// Data is raw little-endian 16-bit signed PCM.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for feature extraction).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo capture devices.
	Channels int

	// Timestamp marks when this chunk was captured.
	Timestamp time.Time
}

// Duration returns the play time covered by the chunk's PCM data.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	samples := len(c.Data) / (bytesPerSample * c.Channels)
	return time.Duration(samples) * time.Second / time.Duration(c.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond returns the PCM byte rate of the format assuming 16-bit
// samples.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * bytesPerSample * f.Channels
}

// bytesPerSample is fixed: the whole pipeline operates on 16-bit PCM.
const bytesPerSample = 2
