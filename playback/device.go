package playback

import (
	"io"
	"time"
)

// Device is the audio output backend. The production implementation wraps
// an oto context; tests use MockDevice. A device has one fixed output
// format: mono signed 16-bit little-endian PCM at SampleRate().
type Device interface {
	SampleRate() int
	NewPlayer(r io.Reader) (Player, error)
	Close() error
}

// Player is one playback voice on a device.
type Player interface {
	Play()
	IsPlaying() bool
	Close() error
}

// Clock is the audio output clock, in seconds. Scheduling decisions compare
// against Clock.Now so tests can drive time manually.
type Clock interface {
	Now() float64
}

type wallClock struct {
	epoch time.Time
}

// NewWallClock returns a Clock backed by the monotonic system clock.
func NewWallClock() Clock {
	return &wallClock{epoch: time.Now()}
}

func (c *wallClock) Now() float64 {
	return time.Since(c.epoch).Seconds()
}
