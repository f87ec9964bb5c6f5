package audio

import "sync"

// RingBuffer is a fixed-capacity circular buffer of raw PCM bytes holding the
// most recently written audio. It backs [Source.RecentAudio]: the capture
// callback writes every delivered chunk, and consumers snapshot the tail on
// demand (e.g., to replay the seconds leading up to a wake decision).
//
// The invariant is that the buffered byte count never exceeds
// format.BytesPerSecond() × seconds; writes evict the oldest bytes first.
//
// All methods are safe for concurrent use.
type RingBuffer struct {
	mu       sync.Mutex
	data     []byte
	capacity int
	writePos int
	size     int

	bytesPerSecond int
}

// NewRingBuffer creates a ring buffer retaining the given number of seconds
// of audio in the given format.
func NewRingBuffer(format Format, seconds int) *RingBuffer {
	bps := format.BytesPerSecond()
	capacity := bps * seconds
	return &RingBuffer{
		data:           make([]byte, capacity),
		capacity:       capacity,
		bytesPerSecond: bps,
	}
}

// Write appends pcm to the buffer, overwriting the oldest bytes once the
// buffer is full. Writes never allocate and never block on readers, so the
// realtime capture callback may call this directly.
func (rb *RingBuffer) Write(pcm []byte) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(pcm)
	if n == 0 || rb.capacity == 0 {
		return
	}

	// Oversized writes keep only the newest capacity bytes.
	if n >= rb.capacity {
		copy(rb.data, pcm[n-rb.capacity:])
		rb.writePos = 0
		rb.size = rb.capacity
		return
	}

	tail := rb.capacity - rb.writePos
	if n <= tail {
		copy(rb.data[rb.writePos:], pcm)
		rb.writePos += n
		if rb.writePos == rb.capacity {
			rb.writePos = 0
		}
	} else {
		copy(rb.data[rb.writePos:], pcm[:tail])
		copy(rb.data, pcm[tail:])
		rb.writePos = n - tail
	}

	rb.size += n
	if rb.size > rb.capacity {
		rb.size = rb.capacity
	}
}

// Recent returns up to seconds of the most recently written audio in
// chronological order. If less audio is buffered, everything available is
// returned; if the buffer is empty, Recent returns nil. The returned slice is
// a copy and safe to retain.
func (rb *RingBuffer) Recent(seconds float64) []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size == 0 || seconds <= 0 {
		return nil
	}

	want := int(seconds * float64(rb.bytesPerSecond))
	// Keep sample alignment.
	want -= want % bytesPerSample
	if want > rb.size {
		want = rb.size
	}
	if want == 0 {
		return nil
	}

	out := make([]byte, want)
	// The newest byte sits just before writePos; walk back want bytes.
	start := rb.writePos - want
	if start >= 0 {
		copy(out, rb.data[start:rb.writePos])
	} else {
		start += rb.capacity
		head := rb.capacity - start
		copy(out[:head], rb.data[start:])
		copy(out[head:], rb.data[:rb.writePos])
	}
	return out
}

// Clear resets the buffer to empty. Called on mode switches so stale audio
// from a previous session is never returned.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.writePos = 0
	rb.size = 0
}

// Size returns the number of buffered bytes.
func (rb *RingBuffer) Size() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size
}

// Capacity returns the fixed byte capacity of the buffer.
func (rb *RingBuffer) Capacity() int {
	return rb.capacity
}
