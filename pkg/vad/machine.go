package vad

import "time"

// machine is the two-state utterance accumulator shared by all engines. An
// engine classifies each chunk as speech or silence however it likes (RMS
// energy, model probability); the machine handles segment assembly, the
// trailing-silence timeout, and the max-duration cutoff.
//
// Not safe for concurrent use.
type machine struct {
	silenceTimeout time.Duration
	maxDuration    time.Duration

	speaking   bool
	segment    []byte
	elapsed    time.Duration
	silenceRun time.Duration
}

// step advances the machine by one chunk and returns the resulting event.
func (m *machine) step(pcm []byte, score float64, isSpeech bool, chunkDur time.Duration) Event {
	if !m.speaking {
		if !isSpeech {
			return Event{Type: Silence, Energy: score}
		}
		// Speech onset: start a fresh segment with this chunk.
		m.speaking = true
		m.segment = append(m.segment[:0], pcm...)
		m.elapsed = chunkDur
		m.silenceRun = 0
		return Event{Type: SpeechStart, Energy: score}
	}

	// Speaking: every chunk joins the segment, speech or not, so brief pauses
	// inside an utterance are preserved.
	m.segment = append(m.segment, pcm...)
	m.elapsed += chunkDur
	if isSpeech {
		m.silenceRun = 0
	} else {
		m.silenceRun += chunkDur
	}

	if m.elapsed >= m.maxDuration || m.silenceRun >= m.silenceTimeout {
		segment := make([]byte, len(m.segment))
		copy(segment, m.segment)
		m.reset()
		return Event{Type: SpeechEnd, Energy: score, Segment: segment}
	}
	return Event{Type: SpeechContinue, Energy: score}
}

func (m *machine) reset() {
	m.speaking = false
	m.segment = m.segment[:0]
	m.elapsed = 0
	m.silenceRun = 0
}
