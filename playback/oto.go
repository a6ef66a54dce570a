package playback

import (
	"fmt"
	"io"
	"time"

	"github.com/ebitengine/oto/v3"
)

// OtoDevice is the production audio output, backed by ebitengine/oto.
type OtoDevice struct {
	ctx        *oto.Context
	sampleRate int
}

// NewOtoDevice opens the platform audio device at the given sample rate
// (mono, s16le) and blocks until it is ready.
func NewOtoDevice(sampleRate int) (*OtoDevice, error) {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	options := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
	}
	ctx, ready, err := oto.NewContext(options)
	if err != nil {
		return nil, fmt.Errorf("playback: failed to open audio device: %w", err)
	}
	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("playback: audio device not ready after 5s")
	}
	return &OtoDevice{ctx: ctx, sampleRate: sampleRate}, nil
}

func (d *OtoDevice) SampleRate() int {
	return d.sampleRate
}

func (d *OtoDevice) NewPlayer(r io.Reader) (Player, error) {
	return d.ctx.NewPlayer(r), nil
}

// Close suspends the context. oto v3 contexts cannot be destroyed; suspension
// releases the device until the next context resumes it.
func (d *OtoDevice) Close() error {
	return d.ctx.Suspend()
}
