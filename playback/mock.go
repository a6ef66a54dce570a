package playback

import (
	"io"
	"sync"
	"time"
)

// ManualClock is a Clock advanced explicitly by tests.
type ManualClock struct {
	mu  sync.Mutex
	now float64
}

func NewManualClock() *ManualClock {
	return &ManualClock{}
}

func (c *ManualClock) Now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Advance(seconds float64) {
	c.mu.Lock()
	c.now += seconds
	c.mu.Unlock()
}

// MockDevice is an in-memory Device for tests. Bytes written to any of its
// players are captured; playback completion is either immediate (default)
// or held until CompleteOldest is called.
type MockDevice struct {
	mu           sync.Mutex
	sampleRate   int
	HoldPlayback bool
	players      []*MockPlayer
	closed       bool
}

func NewMockDevice(sampleRate int) *MockDevice {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &MockDevice{sampleRate: sampleRate}
}

func (d *MockDevice) SampleRate() int {
	return d.sampleRate
}

func (d *MockDevice) NewPlayer(r io.Reader) (Player, error) {
	d.mu.Lock()
	p := &MockPlayer{device: d, hold: d.HoldPlayback, done: make(chan struct{})}
	d.players = append(d.players, p)
	d.mu.Unlock()
	go p.consume(r)
	return p, nil
}

func (d *MockDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *MockDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// CompleteOldest releases the oldest still-held player, as if its audio
// finished on the device.
func (d *MockDevice) CompleteOldest() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.players {
		if p.release() {
			return
		}
	}
}

// Captured returns all bytes written across players in creation order.
func (d *MockDevice) Captured() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []byte
	for _, p := range d.players {
		out = append(out, p.Bytes()...)
	}
	return out
}

// WaitForBytes blocks until at least n bytes have been captured in total.
func (d *MockDevice) WaitForBytes(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if len(d.Captured()) >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

// MockPlayer drains its reader into a buffer.
type MockPlayer struct {
	device   *MockDevice
	mu       sync.Mutex
	buf      []byte
	playing  bool
	hold     bool
	held     bool
	finished bool
	done     chan struct{}
}

func (p *MockPlayer) consume(r io.Reader) {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			p.mu.Lock()
			p.buf = append(p.buf, chunk[:n]...)
			p.mu.Unlock()
		}
		if err != nil {
			break
		}
	}
	p.mu.Lock()
	if p.hold {
		p.held = true
		p.mu.Unlock()
		<-p.done
		p.mu.Lock()
	}
	p.finished = true
	p.playing = false
	p.mu.Unlock()
}

func (p *MockPlayer) release() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.held {
		p.held = false
		close(p.done)
		return true
	}
	if p.hold && p.playing && !p.finished {
		// Not yet parked on the done channel; flip hold off so consume
		// finishes without waiting.
		p.hold = false
		return true
	}
	return false
}

func (p *MockPlayer) Play() {
	p.mu.Lock()
	if !p.finished {
		p.playing = true
	}
	p.mu.Unlock()
}

func (p *MockPlayer) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing && !p.finished
}

func (p *MockPlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = false
	p.finished = true
	if p.held {
		p.held = false
		close(p.done)
	}
	return nil
}

func (p *MockPlayer) Bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, len(p.buf))
	copy(out, p.buf)
	return out
}
