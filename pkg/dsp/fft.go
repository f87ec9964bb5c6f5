// Package dsp implements the spectral feature pipeline shared by speaker
// verification and wake-word matching: windowed FFT, Mel filterbank
// projection with per-band mean normalization, and Dynamic Time Warping over
// the resulting feature sequences.
//
// Everything in this package is pure computation over slices — no goroutines,
// no I/O — so callers decide where the CPU time is spent. The Mel filterbank
// is the only cached state and is immutable once built.
package dsp

import (
	"math"
	"math/cmplx"
)

// NextPow2 returns the smallest power of two ≥ n (minimum 1).
func NextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// FFT computes the in-place radix-2 Cooley-Tukey FFT of x. The length of x
// must be a power of two; callers zero-pad with [NextPow2] first.
func FFT(x []complex128) {
	n := len(x)
	if n <= 1 {
		return
	}

	// Bit-reversal permutation.
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			x[i], x[j] = x[j], x[i]
		}
	}

	// Butterfly passes.
	for length := 2; length <= n; length <<= 1 {
		ang := -2 * math.Pi / float64(length)
		wl := cmplx.Rect(1, ang)
		for i := 0; i < n; i += length {
			w := complex(1, 0)
			half := length / 2
			for j := 0; j < half; j++ {
				u := x[i+j]
				v := x[i+j+half] * w
				x[i+j] = u + v
				x[i+j+half] = u - v
				w *= wl
			}
		}
	}
}

// PowerSpectrum computes the one-sided power spectrum of the real-valued
// frame. The frame is zero-padded to fftSize (which must be a power of two,
// ≥ len(frame)); the result has fftSize/2+1 bins.
func PowerSpectrum(frame []float64, fftSize int) []float64 {
	buf := make([]complex128, fftSize)
	for i, s := range frame {
		buf[i] = complex(s, 0)
	}
	FFT(buf)

	half := fftSize/2 + 1
	out := make([]float64, half)
	for i := 0; i < half; i++ {
		re := real(buf[i])
		im := imag(buf[i])
		out[i] = re*re + im*im
	}
	return out
}
