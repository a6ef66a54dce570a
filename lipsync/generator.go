package lipsync

import (
	"math"

	"github.com/xsploit/webwaifu3/core"
)

const (
	// noiseFloor is the amplitude below which the mouth is considered shut.
	noiseFloor = 0.02

	// smoothingFactor is the one-pole coefficient applied to every weight
	// per frame; small values trade responsiveness for stability.
	smoothingFactor = 0.1

	// wordTimeAcceleration advances the position inside a word faster than
	// real time, since articulation leads the audible vowel.
	wordTimeAcceleration = 1.5

	// amplitudeGateFloor keeps quiet-but-voiced audio from producing a
	// flat mouth in phoneme mode.
	amplitudeGateFloor = 0.3

	// fallbackCycleRate is the synthetic mouth cycle frequency (rad/s)
	// used when no phoneme timing exists.
	fallbackCycleRate = 4.5
)

// ExpressionTarget receives the per-frame viseme weights. The avatar
// renderer implements it.
type ExpressionTarget interface {
	SetVisemes(w Weights)
}

// SignalSource supplies the live playback signal the generator samples
// each frame. The TTS manager implements it.
type SignalSource interface {
	Amplitude() float64
	PlaybackTime() (seconds float64, playing bool)
	TimingData() (boundaries []core.WordBoundary, phonemes []string)
}

// Generator derives viseme weights once per render frame, from real
// word/phoneme timing when available and from amplitude alone otherwise.
// Not safe for concurrent use; drive it from the render loop only.
type Generator struct {
	smooth Weights
}

func NewGenerator() *Generator {
	return &Generator{}
}

// Update samples the source and writes smoothed weights to the target.
func (g *Generator) Update(target ExpressionTarget, src SignalSource) {
	amp := src.Amplitude()
	t, playing := src.PlaybackTime()
	if !playing || amp < noiseFloor {
		g.Reset(target)
		return
	}

	raw, ok := g.phonemeWeights(src, t, amp)
	if !ok {
		raw = amplitudeFallback(t, amp)
	}

	g.smooth = onePole(g.smooth, raw)
	target.SetVisemes(g.smooth)
}

// Reset zeroes the weights and the smoothing state, as on stop or turn
// change.
func (g *Generator) Reset(target ExpressionTarget) {
	g.smooth = Weights{}
	if target != nil {
		target.SetVisemes(Weights{})
	}
}

// phonemeWeights maps the playback position to a phoneme of the word being
// spoken. Requires monotonically increasing boundary offsets and phoneme
// data for the active word; reports !ok otherwise so the caller can fall
// back.
func (g *Generator) phonemeWeights(src SignalSource, t, amp float64) (Weights, bool) {
	boundaries, phonemes := src.TimingData()
	if len(boundaries) == 0 || len(phonemes) != len(boundaries) {
		return Weights{}, false
	}
	if !offsetsMonotonic(boundaries) {
		return Weights{}, false
	}

	tick := core.SecondsToTicks(t)
	idx := -1
	for i, wb := range boundaries {
		if tick >= wb.Offset && tick < wb.End() {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Weights{}, false
	}
	word := []rune(phonemes[idx])
	if len(word) == 0 {
		return Weights{}, false
	}

	wb := boundaries[idx]
	duration := wb.Duration.Seconds()
	if duration <= 0 {
		return Weights{}, false
	}
	timeInWord := (t - wb.Offset.Seconds()) * wordTimeAcceleration
	frac := timeInWord / duration
	if frac > 1 {
		frac = 1
	}
	pos := int(frac * float64(len(word)))
	if pos >= len(word) {
		pos = len(word) - 1
	}

	table, ok := lookupPhoneme(word, pos)
	if !ok {
		return Weights{}, false
	}

	gated := amp
	if gated < amplitudeGateFloor {
		gated = amplitudeGateFloor
	}
	raw := table.scaled(gated)
	// Keep the jaw tracking loudness underneath the articulated shape.
	raw.AA = clamp01(raw.AA + amp*0.3)
	raw.IH = clamp01(raw.IH)
	raw.OU = clamp01(raw.OU)
	raw.EE = clamp01(raw.EE)
	raw.OH = clamp01(raw.OH)
	return raw, true
}

// amplitudeFallback synthesizes a mouth cycle from a sine over playback
// time, partitioned into five phase bands so the shape keeps changing
// instead of flapping a single viseme.
func amplitudeFallback(t, amp float64) Weights {
	phase := (math.Sin(t*fallbackCycleRate) + 1) / 2
	var w Weights
	switch {
	case phase < 0.2:
		w.AA = amp
	case phase < 0.4:
		w.EE = amp * 0.8
	case phase < 0.6:
		w.IH = amp * 0.7
	case phase < 0.8:
		w.OU = amp * 0.9
	default:
		w.OH = amp * 0.85
	}
	w.AA = clamp01(w.AA)
	w.EE = clamp01(w.EE)
	w.IH = clamp01(w.IH)
	w.OU = clamp01(w.OU)
	w.OH = clamp01(w.OH)
	return w
}

func onePole(current, target Weights) Weights {
	step := func(c, t float64) float64 {
		return c + (t-c)*smoothingFactor
	}
	return Weights{
		AA: step(current.AA, target.AA),
		IH: step(current.IH, target.IH),
		OU: step(current.OU, target.OU),
		EE: step(current.EE, target.EE),
		OH: step(current.OH, target.OH),
	}
}

func offsetsMonotonic(boundaries []core.WordBoundary) bool {
	for i := 1; i < len(boundaries); i++ {
		if boundaries[i].Offset <= boundaries[i-1].Offset {
			return false
		}
	}
	return true
}
