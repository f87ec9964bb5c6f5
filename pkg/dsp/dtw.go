package dsp

import "math"

// DTWSimilarity scores how well two Mel feature sequences align under
// Dynamic Time Warping, returning a similarity in [0, 1]. Identical sequences
// score 1; the score decreases monotonically with alignment cost.
//
// The search is constrained to a Sakoe-Chiba band of width max(m, n)/3,
// widened to at least |m−n|+1 so a legitimate alignment between sequences of
// different lengths is never excluded by the band itself. Local cost is the
// Euclidean distance over the band dimensions the two frames share. The
// total path cost is normalized by (m+n)·sqrt(numBands) before being mapped
// to a similarity via 1/(1+cost).
//
// Only two DP rows are kept, so memory is O(n·bands) regardless of sequence
// length.
func DTWSimilarity(a, b MelSequence) float64 {
	m := a.FrameCount()
	n := b.FrameCount()
	if m == 0 || n == 0 {
		return 0
	}

	numBands := a.NumBands
	if b.NumBands < numBands {
		numBands = b.NumBands
	}
	if numBands <= 0 {
		return 0
	}

	// Band width: a third of the longer sequence, never narrower than the
	// length difference.
	width := m
	if n > width {
		width = n
	}
	width /= 3
	if diff := abs(m - n); width < diff+1 {
		width = diff + 1
	}

	inf := math.Inf(1)
	prev := make([]float64, n+1)
	curr := make([]float64, n+1)
	for j := range prev {
		prev[j] = inf
	}
	prev[0] = 0

	for i := 1; i <= m; i++ {
		for j := range curr {
			curr[j] = inf
		}
		lo := i - width
		if lo < 1 {
			lo = 1
		}
		hi := i + width
		if hi > n {
			hi = n
		}
		for j := lo; j <= hi; j++ {
			best := prev[j-1]
			if prev[j] < best {
				best = prev[j]
			}
			if curr[j-1] < best {
				best = curr[j-1]
			}
			if math.IsInf(best, 1) {
				continue
			}
			curr[j] = frameDistance(a.Frames[i-1], b.Frames[j-1], numBands) + best
		}
		prev, curr = curr, prev
	}

	total := prev[n]
	if math.IsInf(total, 1) {
		return 0
	}

	normalized := total / (float64(m+n) * math.Sqrt(float64(numBands)))
	sim := 1 / (1 + normalized)
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// frameDistance is the Euclidean distance between two feature frames over the
// first numBands dimensions.
func frameDistance(a, b []float64, numBands int) float64 {
	var sum float64
	for d := 0; d < numBands; d++ {
		diff := a[d] - b[d]
		sum += diff * diff
	}
	return math.Sqrt(sum)
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
