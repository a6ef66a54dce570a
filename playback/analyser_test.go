package playback

import (
	"math"
	"testing"
)

func TestAnalyserSilenceIsZero(t *testing.T) {
	a := NewAnalyser()
	if got := a.Magnitude(); got != 0 {
		t.Fatalf("Magnitude() with no samples = %v, want 0", got)
	}
	a.Push(make([]int16, 512))
	if got := a.Magnitude(); got != 0 {
		t.Fatalf("Magnitude() of silence = %v, want 0", got)
	}
}

func TestAnalyserToneRegistersInRange(t *testing.T) {
	a := NewAnalyser()
	tone := make([]int16, 1024)
	for i := range tone {
		tone[i] = int16(20000 * math.Sin(2*math.Pi*float64(i)*200/24000))
	}
	a.Push(tone)
	got := a.Magnitude()
	if got <= 0 || got > 1 {
		t.Fatalf("Magnitude() of tone = %v, want in (0, 1]", got)
	}
}

func TestAnalyserReset(t *testing.T) {
	a := NewAnalyser()
	tone := make([]int16, 256)
	for i := range tone {
		tone[i] = 12000
	}
	a.Push(tone)
	a.Reset()
	if got := a.Magnitude(); got != 0 {
		t.Fatalf("Magnitude() after Reset = %v, want 0", got)
	}
}

func TestAnalyserWindowBounded(t *testing.T) {
	a := NewAnalyser()
	a.Push(make([]int16, analyserCap*3))
	if got := len(a.window); got > analyserCap {
		t.Fatalf("window length = %d, want <= %d", got, analyserCap)
	}
}
