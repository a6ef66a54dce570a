package tts

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	longChunkRunes  = 200
	minSegmentRunes = 30
	mergeBelowRunes = 10
	minChunkRunes   = 3
)

var (
	stageDirectionRe = regexp.MustCompile(`\*[^*]*\*|\[[^\]]*\]`)
	emojiRe          = regexp.MustCompile(`[\x{1F000}-\x{1FAFF}\x{2600}-\x{27BF}\x{2190}-\x{21FF}\x{2B00}-\x{2BFF}\x{FE00}-\x{FE0F}\x{1F1E6}-\x{1F1FF}]`)
	whitespaceRe     = regexp.MustCompile(`\s+`)
)

// repeatable punctuation that chat models love to stack ("!!!", "??").
const collapsiblePunct = ".!?,;:—"

// CleanForSpeech strips markup a synthesis engine would read aloud:
// asterisk and bracket stage directions, emoji, stacked punctuation, and
// redundant whitespace. Returns the empty string when nothing speakable
// remains.
func CleanForSpeech(text string) string {
	text = stageDirectionRe.ReplaceAllString(text, "")
	text = emojiRe.ReplaceAllString(text, "")
	text = collapseRepeatedPunct(text)
	text = whitespaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// collapseRepeatedPunct reduces runs of the same punctuation rune to one.
// RE2 has no backreferences, so this is a plain scan.
func collapseRepeatedPunct(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	var prev rune = -1
	for _, r := range text {
		if r == prev && strings.ContainsRune(collapsiblePunct, r) {
			continue
		}
		b.WriteRune(r)
		prev = r
	}
	return b.String()
}

// splitLongChunk breaks an over-long chunk at clause punctuation so no
// single synthesis call gets an unwieldy input. Segments shorter than the
// merge floor are folded into their neighbor; nothing under the minimum
// chunk length is emitted.
func splitLongChunk(text string) []string {
	if utf8.RuneCountInString(text) <= longChunkRunes {
		if utf8.RuneCountInString(strings.TrimSpace(text)) < minChunkRunes {
			return nil
		}
		return []string{strings.TrimSpace(text)}
	}

	runes := []rune(text)
	var segments []string
	start := 0
	for i, r := range runes {
		if i-start+1 < minSegmentRunes || !strings.ContainsRune(".!?,;:", r) {
			continue
		}
		// Split only at a token boundary, never inside "3.14" or a URL.
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		segments = append(segments, string(runes[start:i+1]))
		start = i + 1
	}
	if start < len(runes) {
		segments = append(segments, string(runes[start:]))
	}

	// Fold short leftovers into the previous segment so downstream never
	// sees a useless fragment.
	var merged []string
	for _, seg := range segments {
		trimmed := strings.TrimSpace(seg)
		if trimmed == "" {
			continue
		}
		if utf8.RuneCountInString(trimmed) < mergeBelowRunes && len(merged) > 0 {
			merged[len(merged)-1] = merged[len(merged)-1] + " " + trimmed
			continue
		}
		merged = append(merged, trimmed)
	}

	out := merged[:0]
	for _, seg := range merged {
		if utf8.RuneCountInString(seg) >= minChunkRunes {
			out = append(out, seg)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
