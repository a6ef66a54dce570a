package tts

import (
	"strings"
	"unicode"
)

// Phonemizer maps a word to the phoneme string the lip-sync generator
// indexes into. The real local backend reports phonemes with its results;
// this interface covers the remote path, where no phoneme data exists.
type Phonemizer interface {
	Phonemize(word string) string
}

type basicPhonemizer struct{}

// NewBasicPhonemizer returns the fallback phonemizer: the lowercased word
// itself, letters only. English orthography tracks mouth shape well enough
// for viseme purposes.
func NewBasicPhonemizer() Phonemizer {
	return basicPhonemizer{}
}

func (basicPhonemizer) Phonemize(word string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(word) {
		if unicode.IsLetter(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
