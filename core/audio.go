package core

type AudioEncodingFormat int

const (
	PCM  AudioEncodingFormat = iota // Raw 16-bit little-endian PCM samples.
	ULAW                            // μ-law encoded samples (8 kHz telephony).
	WAV                             // RIFF/WAVE container around 16-bit PCM.
	MP3                             // MPEG-1 Layer III container.
)

// Ticks is a time value in 100-nanosecond units. Word-boundary timing uses
// ticks for wire-format compatibility with speech-service alignment data.
type Ticks int64

const TicksPerSecond Ticks = 10_000_000

func (t Ticks) Seconds() float64 {
	return float64(t) / float64(TicksPerSecond)
}

func SecondsToTicks(s float64) Ticks {
	return Ticks(s*float64(TicksPerSecond) + 0.5)
}

// WordBoundary describes when a single word is spoken within an utterance.
type WordBoundary struct {
	Word     string `json:"word"`
	Offset   Ticks  `json:"offset"`
	Duration Ticks  `json:"duration"`
}

// End returns the tick at which the word finishes.
func (wb WordBoundary) End() Ticks {
	return wb.Offset + wb.Duration
}

// AudioChunk is a raw audio payload flowing between synthesis and playback.
type AudioChunk struct {
	Data       []byte
	SampleRate int
	Channels   int
	Format     AudioEncodingFormat
}

// DurationSeconds reports the playback duration of the chunk, assuming
// 16-bit samples for PCM/WAV payloads and 1 byte per sample for μ-law.
func (ac *AudioChunk) DurationSeconds() float64 {
	if ac.SampleRate == 0 || ac.Channels == 0 || len(ac.Data) == 0 {
		return 0.0
	}
	bytesPerSample := 2
	if ac.Format == ULAW {
		bytesPerSample = 1
	}
	totalSamples := len(ac.Data) / (bytesPerSample * ac.Channels)
	return float64(totalSamples) / float64(ac.SampleRate)
}

// ChunkResult is the output of one synthesis call: the audio payload plus
// the timing data needed for lip sync. It is owned by the playback engine
// from the moment it is scheduled until playback completes or is stopped.
type ChunkResult struct {
	Audio          []byte
	Format         AudioEncodingFormat
	SampleRate     int
	WordBoundaries []WordBoundary
	Phonemes       []string // one phoneme string per word, nil when unknown
	Text           string
}
