package playback

import (
	"math"
	"sync"
)

const (
	analyserWindow = 128 // samples per analysis frame
	analyserBins   = analyserWindow / 2
	analyserCap    = 2048 // retained history
)

// Analyser keeps a sliding window of recently scheduled samples and derives
// a voice-weighted amplitude from their frequency-domain magnitudes. Lower
// bins are weighted higher to track the speech fundamental range rather
// than sibilant energy.
type Analyser struct {
	mu     sync.Mutex
	window []float64
}

func NewAnalyser() *Analyser {
	return &Analyser{window: make([]float64, 0, analyserCap)}
}

// Push appends samples (16-bit range) to the analysis window.
func (a *Analyser) Push(samples []int16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range samples {
		a.window = append(a.window, float64(s)/32768.0)
	}
	if overflow := len(a.window) - analyserCap; overflow > 0 {
		a.window = a.window[overflow:]
	}
}

func (a *Analyser) Reset() {
	a.mu.Lock()
	a.window = a.window[:0]
	a.mu.Unlock()
}

// Magnitude returns the weighted, normalized frequency magnitude of the most
// recent analysis frame, in [0, 1] before any backend scale factor.
func (a *Analyser) Magnitude() float64 {
	a.mu.Lock()
	n := len(a.window)
	if n == 0 {
		a.mu.Unlock()
		return 0
	}
	frame := make([]float64, analyserWindow)
	start := n - analyserWindow
	if start < 0 {
		start = 0
	}
	copy(frame[analyserWindow-(n-start):], a.window[start:])
	a.mu.Unlock()

	return frameMagnitude(frame)
}

// frameMagnitude is the weighted magnitude of one analysis frame of exactly
// analyserWindow samples in [-1, 1].
func frameMagnitude(frame []float64) float64 {
	var sum float64
	for k := 0; k < analyserBins; k++ {
		var re, im float64
		for i := 0; i < analyserWindow; i++ {
			phase := -2 * math.Pi * float64(k) * float64(i) / analyserWindow
			re += frame[i] * math.Cos(phase)
			im += frame[i] * math.Sin(phase)
		}
		mag := math.Sqrt(re*re+im*im) / (analyserWindow / 2)
		if mag > 1 {
			mag = 1
		}
		weight := 1.0
		if k < 20 {
			weight = 2.0
		} else if k < 50 {
			weight = 1.5
		}
		sum += mag * weight
	}
	return sum / (analyserBins * 1.5)
}

// magnitudeAt meters the analysis window ending at sample index end, for
// clip playback where the audible position is known rather than streamed.
func magnitudeAt(samples []int16, end int) float64 {
	if end > len(samples) {
		end = len(samples)
	}
	if end <= 0 {
		return 0
	}
	start := end - analyserWindow
	if start < 0 {
		start = 0
	}
	frame := make([]float64, analyserWindow)
	for i, s := range samples[start:end] {
		frame[analyserWindow-(end-start)+i] = float64(s) / 32768.0
	}
	return frameMagnitude(frame)
}
