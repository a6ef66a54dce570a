package tts

import (
	"strings"
	"unicode/utf8"
)

// BatchThresholds are the minimum buffered rune counts before a chunk is
// emitted. The first chunk of a turn flushes early to minimize
// time-to-first-audio; remote streaming flushes earlier than local
// synthesis because remote generation overlaps the LLM stream, while the
// local model prefers fewer, larger calls.
type BatchThresholds struct {
	FirstChunk int `json:"first_chunk"`
	Remote     int `json:"remote"`
	Local      int `json:"local"`
}

func DefaultThresholds() BatchThresholds {
	return BatchThresholds{FirstChunk: 12, Remote: 28, Local: 70}
}

// ChunkBatcher collects cleaned fragments into synthesis-sized chunks.
type ChunkBatcher struct {
	thresholds BatchThresholds
	remote     bool

	buf        string
	firstChunk bool
}

func NewChunkBatcher(thresholds BatchThresholds, remote bool) *ChunkBatcher {
	if thresholds.FirstChunk == 0 {
		thresholds = DefaultThresholds()
	}
	return &ChunkBatcher{thresholds: thresholds, remote: remote, firstChunk: true}
}

// Add cleans one fragment into the running buffer and returns any chunks
// ready for synthesis.
func (b *ChunkBatcher) Add(fragment string) []string {
	cleaned := CleanForSpeech(fragment)
	if cleaned == "" {
		return nil
	}
	if b.buf == "" {
		b.buf = cleaned
	} else {
		b.buf += " " + cleaned
	}
	if utf8.RuneCountInString(b.buf) < b.threshold() {
		return nil
	}
	chunks := splitLongChunk(b.buf)
	b.buf = ""
	if chunks != nil {
		b.firstChunk = false
	}
	return chunks
}

// FlushFinal emits whatever remains at end of turn and rearms the
// first-chunk threshold for the next turn.
func (b *ChunkBatcher) FlushFinal() []string {
	remaining := strings.TrimSpace(b.buf)
	b.buf = ""
	b.firstChunk = true
	if utf8.RuneCountInString(remaining) <= 2 {
		return nil
	}
	return splitLongChunk(remaining)
}

// Reset discards buffered text, as on cancellation.
func (b *ChunkBatcher) Reset() {
	b.buf = ""
	b.firstChunk = true
}

func (b *ChunkBatcher) threshold() int {
	if b.firstChunk {
		return b.thresholds.FirstChunk
	}
	if b.remote {
		return b.thresholds.Remote
	}
	return b.thresholds.Local
}
