package audio

import (
	"encoding/binary"
	"math"
)

// Samples decodes little-endian 16-bit PCM into normalized float64 samples in
// [-1, 1]. A trailing odd byte is ignored.
func Samples(pcm []byte) []float64 {
	n := len(pcm) / 2
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float64(s) / 32768.0
	}
	return out
}

// RMS computes the root-mean-square energy of little-endian 16-bit PCM,
// normalized so a full-scale square wave yields 1.0. Returns 0 for empty or
// sub-sample input.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// StereoToMono downmixes interleaved 16-bit stereo PCM to mono by averaging
// the two channels, clamping to the int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		l := int32(int16(binary.LittleEndian.Uint16(pcm[i*4:])))
		r := int32(int16(binary.LittleEndian.Uint16(pcm[i*4+2:])))
		m := (l + r) / 2
		if m > math.MaxInt16 {
			m = math.MaxInt16
		} else if m < math.MinInt16 {
			m = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(m)))
	}
	return out
}

// ResampleMono16 converts mono 16-bit PCM from one sample rate to another
// using linear interpolation. Adequate for speech-band audio; callers needing
// transparent quality should resample upstream.
func ResampleMono16(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		return pcm
	}
	in := len(pcm) / 2
	if in == 0 {
		return nil
	}
	outLen := int(int64(in) * int64(toRate) / int64(fromRate))
	out := make([]byte, outLen*2)
	ratio := float64(fromRate) / float64(toRate)
	for i := 0; i < outLen; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := float64(int16(binary.LittleEndian.Uint16(pcm[idx*2:])))
		s1 := s0
		if idx+1 < in {
			s1 = float64(int16(binary.LittleEndian.Uint16(pcm[(idx+1)*2:])))
		}
		v := s0 + (s1-s0)*frac
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}
