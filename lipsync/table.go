package lipsync

// Weights are the five viseme blend-shape targets of a VRM-style avatar.
type Weights struct {
	AA float64
	IH float64
	OU float64
	EE float64
	OH float64
}

func (w Weights) scaled(f float64) Weights {
	return Weights{AA: w.AA * f, IH: w.IH * f, OU: w.OU * f, EE: w.EE * f, OH: w.OH * f}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// phonemeBlendTable maps phoneme symbols to viseme weights. Keys cover IPA
// symbols as reported by a real phonemizer plus plain letters for the
// orthographic fallback. Two-rune keys are digraphs and must be looked up
// before single runes.
var phonemeBlendTable = map[string]Weights{
	// Bigrams, checked first.
	"tʃ": {IH: 0.3, OU: 0.4},
	"dʒ": {IH: 0.3, OU: 0.4},
	"th": {IH: 0.4, EE: 0.2},
	"ch": {IH: 0.3, OU: 0.4},
	"sh": {OU: 0.6, IH: 0.2},
	"ph": {OU: 0.3},
	"wh": {OU: 0.7},
	"oo": {OU: 0.9},
	"ou": {OU: 0.8, AA: 0.2},
	"ow": {AA: 0.5, OU: 0.5},
	"ee": {EE: 0.9},
	"ea": {EE: 0.7, AA: 0.2},
	"ai": {AA: 0.6, IH: 0.3},
	"ay": {AA: 0.6, EE: 0.3},
	"oi": {OH: 0.6, IH: 0.3},
	"oa": {OH: 0.8},
	"ng": {IH: 0.2, OH: 0.2},

	// IPA vowels.
	"ɑ": {AA: 0.9},
	"æ": {AA: 0.8, EE: 0.1},
	"ʌ": {AA: 0.6},
	"ə": {AA: 0.4},
	"ɛ": {EE: 0.6, AA: 0.2},
	"ɪ": {IH: 0.7},
	"iː": {EE: 0.9},
	"ɔ": {OH: 0.8},
	"ɒ": {OH: 0.7, AA: 0.2},
	"ʊ": {OU: 0.7},
	"uː": {OU: 0.9},
	"ɜ": {EE: 0.4, OU: 0.2},

	// IPA consonants with visible articulation.
	"ʃ": {OU: 0.6, IH: 0.2},
	"ʒ": {OU: 0.5, IH: 0.2},
	"θ": {IH: 0.4, EE: 0.2},
	"ð": {IH: 0.4, EE: 0.2},

	// Plain letters for the orthographic fallback phonemizer.
	"a": {AA: 0.8},
	"e": {EE: 0.7},
	"i": {IH: 0.7},
	"o": {OH: 0.8},
	"u": {OU: 0.8},
	"y": {IH: 0.5, EE: 0.2},
	"w": {OU: 0.6},
	"m": {},
	"b": {},
	"p": {},
	"f": {IH: 0.2, EE: 0.2},
	"v": {IH: 0.2, EE: 0.2},
	"l": {IH: 0.3, AA: 0.2},
	"r": {OU: 0.3, AA: 0.2},
	"s": {IH: 0.3, EE: 0.3},
	"z": {IH: 0.3, EE: 0.3},
	"t": {IH: 0.3},
	"d": {IH: 0.3},
	"n": {IH: 0.3},
	"k": {AA: 0.3, IH: 0.1},
	"g": {AA: 0.3, IH: 0.1},
	"h": {AA: 0.4},
	"j": {IH: 0.4, OU: 0.2},
	"c": {AA: 0.3, IH: 0.1},
	"q": {OU: 0.5},
	"x": {IH: 0.3, EE: 0.2},
}

// lookupPhoneme prefers the two-rune combination at pos over the single
// rune, to capture digraphs like "sh" and affricates like "tʃ".
func lookupPhoneme(phonemes []rune, pos int) (Weights, bool) {
	if pos < 0 || pos >= len(phonemes) {
		return Weights{}, false
	}
	if pos+1 < len(phonemes) {
		if w, ok := phonemeBlendTable[string(phonemes[pos:pos+2])]; ok {
			return w, true
		}
	}
	w, ok := phonemeBlendTable[string(phonemes[pos])]
	return w, ok
}
