package playback

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/xsploit/webwaifu3/core"
)

// ErrNotInitialized is returned when scheduling is attempted before
// Initialize has created an output device. This is a caller contract
// violation, not a runtime condition to retry.
var ErrNotInitialized = errors.New("playback: engine not initialized")

const (
	// scheduleEpsilon keeps scheduled start times strictly ahead of the
	// audio clock so a buffer is never asked to start in the past.
	scheduleEpsilon = 0.010

	// Amplitude calibration. Element-style chunk playback meters much
	// quieter than the raw streamed PCM path; both constants are empirical.
	chunkAmplitudeScale  = 2.5
	streamAmplitudeScale = 1.0

	pollInterval = 10 * time.Millisecond
)

// PlaybackCallbacks observe one chunk's element-style playback.
type PlaybackCallbacks struct {
	OnStarted func()
	OnEnded   func(err error)
}

// Engine owns the audio output clock and all buffer scheduling. Two paths
// share one device and one analyser: whole-chunk playback for local
// synthesis results, and cursor-scheduled raw PCM frames for the remote
// streaming path.
type Engine struct {
	logger    *core.Logger
	newDevice func() (Device, error)
	clock     Clock

	mu          sync.Mutex
	device      Device
	stream      *pcmStream
	cursor      float64
	scheduled   map[int64]struct{}
	nextFrameID int64
	analyser    *Analyser

	playing      bool
	turnStart    float64
	chunkGen     int64
	chunkStart   float64
	chunk        Player
	chunkLive    bool
	chunkSamples []int16 // device-rate samples of the live clip
	chunkRate    int

	onSpeechStarted func()
}

// NewEngine creates an engine over the given device factory. The device is
// not opened until Initialize.
func NewEngine(newDevice func() (Device, error), clock Clock, logger *core.Logger) *Engine {
	if clock == nil {
		clock = NewWallClock()
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Engine{
		logger:    logger,
		newDevice: newDevice,
		clock:     clock,
		scheduled: make(map[int64]struct{}),
		analyser:  NewAnalyser(),
	}
}

// SetOnSpeechStarted registers the once-per-turn first-audio callback.
func (e *Engine) SetOnSpeechStarted(fn func()) {
	e.mu.Lock()
	e.onSpeechStarted = fn
	e.mu.Unlock()
}

// Initialize (re)creates the output device. Any previous device is closed
// first; devices are a limited platform resource and must not leak.
func (e *Engine) Initialize() error {
	e.stopLocked(true)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.device != nil {
		if err := e.device.Close(); err != nil {
			e.logger.Warnf("playback: closing previous device: %v", err)
		}
		e.device = nil
	}
	device, err := e.newDevice()
	if err != nil {
		return err
	}
	e.device = device
	e.cursor = e.clock.Now()
	e.analyser.Reset()
	return nil
}

// Close releases the device.
func (e *Engine) Close() error {
	e.stopLocked(true)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.device == nil {
		return nil
	}
	err := e.device.Close()
	e.device = nil
	return err
}

// Now reports the current audio-clock time in seconds.
func (e *Engine) Now() float64 {
	return e.clock.Now()
}

// CursorTime reports the audio-clock time at which the next streamed PCM
// frame will start.
func (e *Engine) CursorTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursor
}

// IsPlaying reports whether the current turn has audible output.
func (e *Engine) IsPlaying() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}

// ScheduledCount reports how many streamed frames are scheduled but not yet
// handed to the device.
func (e *Engine) ScheduledCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.scheduled)
}

// PlaybackTime reports seconds elapsed in the current chunk (element path)
// or turn (stream path). ok is false when nothing is playing.
func (e *Engine) PlaybackTime() (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.playing {
		return 0, false
	}
	if e.chunkLive {
		return e.clock.Now() - e.chunkStart, true
	}
	return e.clock.Now() - e.turnStart, true
}

// PlayChunk decodes a synthesis result and plays it as one element-style
// clip through the analyser. OnStarted fires when the device accepts the
// clip; OnEnded fires on completion or decode/playback failure, but never
// after Stop.
func (e *Engine) PlayChunk(res *core.ChunkResult, cb PlaybackCallbacks) error {
	samples, rate, err := decodeChunk(res)
	if err != nil {
		return err
	}

	e.mu.Lock()
	device := e.device
	if device == nil {
		e.mu.Unlock()
		return ErrNotInitialized
	}
	if e.chunk != nil {
		e.chunk.Close()
		e.chunk = nil
	}
	samples = resampleLinear(samples, rate, device.SampleRate())
	player, err := device.NewPlayer(bytes.NewReader(samplesToBytes(samples)))
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.chunkGen++
	gen := e.chunkGen
	e.chunk = player
	e.chunkLive = true
	e.chunkStart = e.clock.Now()
	e.chunkSamples = samples
	e.chunkRate = device.SampleRate()
	firstOfTurn := !e.playing
	if firstOfTurn {
		e.playing = true
		e.turnStart = e.chunkStart
	}
	started := e.onSpeechStarted
	e.mu.Unlock()

	player.Play()
	if firstOfTurn && started != nil {
		started()
	}
	if cb.OnStarted != nil {
		cb.OnStarted()
	}

	go e.watchChunk(player, gen, cb)
	return nil
}

// watchChunk polls the device player until the clip drains, then reports
// completion unless the generation was invalidated by Stop.
func (e *Engine) watchChunk(player Player, gen int64, cb PlaybackCallbacks) {
	// Give the device a moment to transition into the playing state.
	time.Sleep(pollInterval)
	for player.IsPlaying() {
		time.Sleep(pollInterval)
	}

	e.mu.Lock()
	if gen != e.chunkGen {
		e.mu.Unlock()
		return
	}
	e.chunkLive = false
	e.chunkSamples = nil
	if e.chunk == player {
		e.chunk = nil
	}
	e.mu.Unlock()

	player.Close()
	if cb.OnEnded != nil {
		cb.OnEnded(nil)
	}
}

// EndTurn marks the current speaking turn as finished so the next chunk or
// frame fires OnSpeechStarted again.
func (e *Engine) EndTurn() {
	e.mu.Lock()
	e.playing = false
	e.mu.Unlock()
}

// SchedulePCMFrame schedules mono PCM samples at the playback cursor and
// returns the audio-clock start time. Start times never regress: each frame
// begins at the later of the cursor and now plus a small epsilon, and the
// cursor advances by the frame duration.
func (e *Engine) SchedulePCMFrame(samples []int16, sampleRate int) (float64, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	e.mu.Lock()
	device := e.device
	if device == nil {
		e.mu.Unlock()
		return 0, ErrNotInitialized
	}

	samples = resampleLinear(samples, sampleRate, device.SampleRate())
	duration := float64(len(samples)) / float64(device.SampleRate())

	now := e.clock.Now()
	if e.cursor < now+scheduleEpsilon {
		e.cursor = now + scheduleEpsilon
	}
	startAt := e.cursor
	e.cursor += duration

	if e.stream == nil {
		stream, err := newPCMStream(device)
		if err != nil {
			e.mu.Unlock()
			return 0, err
		}
		e.stream = stream
	}
	stream := e.stream

	e.nextFrameID++
	id := e.nextFrameID
	e.scheduled[id] = struct{}{}
	e.analyser.Push(samples)

	firstOfTurn := !e.playing
	if firstOfTurn {
		e.playing = true
		e.turnStart = startAt
	}
	started := e.onSpeechStarted
	e.mu.Unlock()

	stream.enqueue(samplesToBytes(samples), func() {
		e.mu.Lock()
		delete(e.scheduled, id)
		e.mu.Unlock()
	})

	if firstOfTurn && started != nil {
		started()
	}
	return startAt, nil
}

// WaitForDrain blocks until every scheduled frame has played out (the
// cursor catches up with the audio clock) or the context is cancelled.
func (e *Engine) WaitForDrain(ctx context.Context) error {
	for {
		e.mu.Lock()
		remaining := e.cursor - e.clock.Now()
		e.mu.Unlock()
		if remaining <= 0 {
			// Settle time for the device's own buffer.
			time.Sleep(25 * time.Millisecond)
			return nil
		}
		wait := time.Duration(remaining*float64(time.Second)) + 25*time.Millisecond
		if wait > 250*time.Millisecond {
			wait = 250 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Amplitude returns the current audible amplitude in [0, 1], calibrated per
// playback path. Clip playback is metered at the playback position so the
// meter tracks what is audible right now; the streamed path meters the most
// recently scheduled frames. Zero when nothing is playing.
func (e *Engine) Amplitude() float64 {
	e.mu.Lock()
	playing := e.playing
	chunkLive := e.chunkLive
	chunk := e.chunk
	samples := e.chunkSamples
	rate := e.chunkRate
	chunkStart := e.chunkStart
	e.mu.Unlock()

	if !playing {
		return 0
	}
	var amp float64
	if chunkLive {
		if chunk != nil && !chunk.IsPlaying() {
			return 0
		}
		pos := int((e.clock.Now() - chunkStart) * float64(rate))
		amp = magnitudeAt(samples, pos) * chunkAmplitudeScale
	} else {
		amp = e.analyser.Magnitude() * streamAmplitudeScale
	}
	if amp > 1 {
		amp = 1
	}
	return amp
}

// Stop is the universal playback interrupt: it force-stops the element
// player and every scheduled streamed frame, clears the schedule, and
// resets the cursor. Safe to call at any time, repeatedly.
func (e *Engine) Stop() {
	e.stopLocked(true)
}

func (e *Engine) stopLocked(resetCursor bool) {
	e.mu.Lock()
	stream := e.stream
	e.stream = nil
	chunk := e.chunk
	e.chunk = nil
	e.chunkGen++ // invalidate in-flight watchers
	e.chunkLive = false
	e.chunkSamples = nil
	e.playing = false
	e.scheduled = make(map[int64]struct{})
	if resetCursor {
		e.cursor = e.clock.Now()
	}
	e.analyser.Reset()
	e.mu.Unlock()

	if chunk != nil {
		chunk.Close()
	}
	if stream != nil {
		stream.close()
	}
}

// pcmStream feeds scheduled frames to one long-lived device player through
// a pipe. The device's real-time consumption provides pacing; ordering is
// the enqueue order, which the cursor math already guarantees.
type pcmStream struct {
	player Player
	pw     *io.PipeWriter

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []pcmFrame
	closed bool
}

type pcmFrame struct {
	data   []byte
	onSent func()
}

func newPCMStream(device Device) (*pcmStream, error) {
	pr, pw := io.Pipe()
	player, err := device.NewPlayer(pr)
	if err != nil {
		pw.Close()
		return nil, err
	}
	s := &pcmStream{player: player, pw: pw}
	s.cond = sync.NewCond(&s.mu)
	player.Play()
	go s.feed()
	return s, nil
}

func (s *pcmStream) enqueue(data []byte, onSent func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if onSent != nil {
			onSent()
		}
		return
	}
	s.queue = append(s.queue, pcmFrame{data: data, onSent: onSent})
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *pcmStream) feed() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		frame := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if _, err := s.pw.Write(frame.data); err != nil {
			if frame.onSent != nil {
				frame.onSent()
			}
			return
		}
		if frame.onSent != nil {
			frame.onSent()
		}
	}
}

func (s *pcmStream) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	queue := s.queue
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	s.pw.CloseWithError(io.ErrClosedPipe)
	s.player.Close()
	for _, frame := range queue {
		if frame.onSent != nil {
			frame.onSent()
		}
	}
}
