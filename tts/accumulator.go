package tts

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// defaultTerminators is the extended sentence-end set. Commas and
	// colons flush early so synthesis can start before a full stop.
	defaultTerminators = ".!?,;:"

	// longRunThreshold bounds worst-case latency for unpunctuated streams.
	longRunThreshold = 80

	minFragmentRunes = 3
)

// SentenceAccumulator turns an incremental character stream into discrete
// sentence-like fragments. Zero value is not usable; call
// NewSentenceAccumulator.
type SentenceAccumulator struct {
	terminators string
	buf         strings.Builder
}

func NewSentenceAccumulator() *SentenceAccumulator {
	return &SentenceAccumulator{terminators: defaultTerminators}
}

// AddToken appends a token and reports a completed fragment when a flush
// heuristic fires. Flush priority: paragraph break, sentence terminator
// (with a decimal-number guard on '.'), then an overlong buffer ending in
// whitespace.
func (a *SentenceAccumulator) AddToken(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	a.buf.WriteString(token)
	s := a.buf.String()

	if strings.Contains(s, "\n\n") {
		return a.emit()
	}

	last, prev := lastTwoRunes(s)
	if last != utf8.RuneError && strings.ContainsRune(a.terminators, last) {
		if last == '.' && unicode.IsDigit(prev) {
			// "3.14" mid-number; keep accumulating.
			return "", false
		}
		return a.emit()
	}

	if utf8.RuneCountInString(s) >= longRunThreshold && unicode.IsSpace(last) {
		return a.emit()
	}
	return "", false
}

// Flush force-empties the buffer, applying the same minimum-length filter.
func (a *SentenceAccumulator) Flush() (string, bool) {
	return a.emit()
}

// Clear discards buffered text without emitting.
func (a *SentenceAccumulator) Clear() {
	a.buf.Reset()
}

func (a *SentenceAccumulator) emit() (string, bool) {
	fragment := strings.TrimSpace(a.buf.String())
	a.buf.Reset()
	if utf8.RuneCountInString(fragment) < minFragmentRunes {
		return "", false
	}
	return fragment, true
}

// lastTwoRunes returns the final rune of s and the one before it.
func lastTwoRunes(s string) (last, prev rune) {
	last, prev = utf8.RuneError, utf8.RuneError
	if s == "" {
		return
	}
	var size int
	last, size = utf8.DecodeLastRuneInString(s)
	if size < len(s) {
		prev, _ = utf8.DecodeLastRuneInString(s[:len(s)-size])
	}
	return
}
