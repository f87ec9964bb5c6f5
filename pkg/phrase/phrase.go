// Package phrase confirms that a transcribed utterance actually contains a
// user's wake phrase, using Double Metaphone phonetic encoding combined with
// Jaro-Winkler string similarity.
//
// DTW matching scores acoustic shape, not words, so a phrase with similar
// cadence can slip through. When a transcription provider is available the
// orchestrator runs the transcript through this package as a second gate:
//
//  1. Phonetic screening: Double Metaphone codes are computed for every
//     transcript token and every wake-phrase token. A transcript window is a
//     candidate only when at least one code overlaps.
//
//  2. Jaro-Winkler ranking: each candidate window is scored against the
//     whole wake phrase (as spoken and space-stripped), scaled by how well
//     every phrase token is covered inside the window, and the highest score
//     wins — provided it clears the phonetic threshold. Windows without
//     phonetic overlap must clear a stricter fuzzy threshold. The coverage
//     factor keeps a window that shares only a filler token ("hey") from
//     confirming on that token alone.
package phrase

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for configuring a [Confirmer].
type Option func(*Confirmer)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-screened window to confirm. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Confirmer) {
		c.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when a
// window has no phonetic overlap with the wake phrase. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Confirmer) {
		c.fuzzyThreshold = threshold
	}
}

// Confirmer decides whether a transcript contains a wake phrase. It is
// read-only after construction and safe for concurrent use.
type Confirmer struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a Confirmer configured with the supplied options.
func New(opts ...Option) *Confirmer {
	c := &Confirmer{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Confirm reports whether transcript contains wakePhrase, along with the best
// similarity score found. The transcript is scanned with sliding token
// windows one narrower to one wider than the phrase, so a dropped or inserted
// word at transcription time does not break confirmation.
func (c *Confirmer) Confirm(transcript, wakePhrase string) (score float64, ok bool) {
	phraseLower := strings.ToLower(strings.TrimSpace(wakePhrase))
	transcriptTokens := strings.Fields(strings.ToLower(normalize(transcript)))
	if phraseLower == "" || len(transcriptTokens) == 0 {
		return 0, false
	}
	phraseTokens := strings.Fields(phraseLower)
	phraseCodes := codesForTokens(phraseTokens)

	minWin := len(phraseTokens) - 1
	if minWin < 1 {
		minWin = 1
	}
	maxWin := len(phraseTokens) + 1

	var best float64
	var bestPhonetic bool

	for win := minWin; win <= maxWin; win++ {
		for start := 0; start+win <= len(transcriptTokens); start++ {
			window := transcriptTokens[start : start+win]
			windowFull := strings.Join(window, " ")

			phonetic := codesOverlap(codesForTokens(window), phraseCodes)
			jw := windowScore(window, phraseTokens, windowFull, phraseLower)

			if phonetic {
				if jw >= c.phoneticThreshold && (!bestPhonetic || jw > best) {
					best = jw
					bestPhonetic = true
				}
			} else if !bestPhonetic && jw >= c.fuzzyThreshold && jw > best {
				best = jw
			}
		}
	}

	if best > 0 {
		return best, true
	}
	return 0, false
}

// normalize strips the punctuation transcription providers attach to word
// boundaries.
func normalize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ',', '!', '?', ';', ':', '"', '\'':
			return -1
		}
		return r
	}, s)
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// windowScore scores a transcript window against the full wake phrase. The
// base is the Jaro-Winkler similarity of the whole window to the whole phrase
// (as spoken and space-stripped, whichever is higher), scaled by token
// coverage: the mean, over phrase tokens, of each token's best match inside
// the window. A window matching only one token of a multi-token phrase is
// held back by the unmatched tokens no matter how well that one token scores.
func windowScore(inputTokens, phraseTokens []string, inputFull, phraseFull string) float64 {
	full := matchr.JaroWinkler(inputFull, phraseFull, false)
	if len(inputTokens) > 1 || len(phraseTokens) > 1 {
		concat1 := strings.Join(inputTokens, "")
		concat2 := strings.Join(phraseTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > full {
			full = s
		}
	}

	var coverage float64
	for _, pt := range phraseTokens {
		var best float64
		for _, it := range inputTokens {
			if s := matchr.JaroWinkler(it, pt, false); s > best {
				best = s
			}
		}
		coverage += best
	}
	coverage /= float64(len(phraseTokens))

	return full * coverage
}
