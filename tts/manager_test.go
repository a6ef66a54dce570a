package tts

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xsploit/webwaifu3/core"
	"github.com/xsploit/webwaifu3/playback"
	fishaudio "github.com/xsploit/webwaifu3/services/fishaudio/tts"
	kokoro "github.com/xsploit/webwaifu3/services/kokoro/tts"
)

func newLocalManager(t *testing.T, synth kokoro.Synthesizer, events *core.SpeechEvents) (*Manager, *playback.MockDevice) {
	t.Helper()
	device := playback.NewMockDevice(24000)
	engine := playback.NewEngine(func() (playback.Device, error) { return device, nil }, nil, core.NewDevelopmentLogger())
	m, err := NewManager(ManagerConfig{Provider: ProviderKokoro}, ManagerDeps{
		Engine:      engine,
		Synthesizer: synth,
		Events:      events,
		Logger:      core.NewDevelopmentLogger(),
	})
	if err != nil {
		t.Fatalf("NewManager() = %v, want nil", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() = %v, want nil", err)
	}
	t.Cleanup(m.Destroy)
	return m, device
}

func TestLocalHappyPath(t *testing.T) {
	synth := &kokoro.MockSynthesizer{}
	started := make(chan struct{}, 1)
	finished := make(chan struct{}, 1)
	lipsync := make(chan core.LipSyncData, 4)
	events := &core.SpeechEvents{
		OnSpeechStarted:  func() { started <- struct{}{} },
		OnSpeechFinished: func() { finished <- struct{}{} },
		OnLipSyncData:    func(d core.LipSyncData) { lipsync <- d },
		OnError:          func(err error) { t.Errorf("unexpected OnError(%v)", err) },
	}
	m, _ := newLocalManager(t, synth, events)

	m.EnqueueStreamChunk("Hello there.", true)

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("OnSpeechStarted never fired")
	}
	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("OnSpeechFinished never fired")
	}

	calls := synth.Calls()
	if len(calls) != 1 || calls[0] != "Hello there." {
		t.Fatalf("synthesis calls = %v, want exactly [Hello there.]", calls)
	}

	select {
	case data := <-lipsync:
		if len(data.WordBoundaries) != 2 {
			t.Fatalf("boundaries = %v, want 2 words", data.WordBoundaries)
		}
	case <-time.After(time.Second):
		t.Fatal("OnLipSyncData never fired")
	}
}

func TestEmptyInputProducesNothing(t *testing.T) {
	synth := &kokoro.MockSynthesizer{}
	events := &core.SpeechEvents{
		OnSpeechStarted:  func() { t.Error("OnSpeechStarted fired for empty input") },
		OnSpeechFinished: func() { t.Error("OnSpeechFinished fired for empty input") },
	}
	m, device := newLocalManager(t, synth, events)

	m.EnqueueStreamChunk("", true)
	time.Sleep(50 * time.Millisecond)

	if calls := synth.Calls(); len(calls) != 0 {
		t.Fatalf("synthesis calls = %v, want none", calls)
	}
	if got := device.Captured(); len(got) != 0 {
		t.Fatalf("device captured %d bytes, want 0", len(got))
	}
}

func TestStopTwiceIsIdempotent(t *testing.T) {
	synth := &kokoro.MockSynthesizer{}
	m, _ := newLocalManager(t, synth, &core.SpeechEvents{})

	m.EnqueueStreamChunk("Some words worth speaking, with more to come after them.", false)
	m.Stop()
	m.Stop()

	if m.IsPlaying() {
		t.Fatal("IsPlaying() = true after Stop")
	}
	boundaries, phonemes := m.TimingData()
	if len(boundaries) != 0 || len(phonemes) != 0 {
		t.Fatalf("timing data survived Stop: %v %v", boundaries, phonemes)
	}

	// The pipeline accepts a fresh turn after stopping.
	finished := make(chan struct{}, 1)
	m.events = &core.SpeechEvents{OnSpeechFinished: func() { finished <- struct{}{} }}
	m.EnqueueStreamChunk("Hello again.", true)
	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("turn after Stop never finished")
	}
}

// ── Remote path ──────────────────────────────────────────────────────────

type stubConn struct {
	mu     sync.Mutex
	texts  [][]byte
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newStubConn() *stubConn {
	return &stubConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *stubConn) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-c.frames:
		return websocket.BinaryMessage, frame, nil
	case <-c.closed:
		return 0, nil, errors.New("closed")
	}
}

func (c *stubConn) WriteMessage(msgType int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("closed")
	default:
	}
	if msgType == websocket.TextMessage {
		c.mu.Lock()
		c.texts = append(c.texts, append([]byte(nil), data...))
		c.mu.Unlock()
	}
	return nil
}

func (c *stubConn) SetReadDeadline(time.Time) error   { return nil }
func (c *stubConn) SetWriteDeadline(time.Time) error  { return nil }
func (c *stubConn) SetPongHandler(func(string) error) {}
func (c *stubConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type stubDialer struct{ conn *stubConn }

func (d stubDialer) Dial(url string, header http.Header) (fishaudio.Conn, error) {
	return d.conn, nil
}

func newRemoteManager(t *testing.T, conn *stubConn, events *core.SpeechEvents) (*Manager, *playback.MockDevice) {
	t.Helper()
	device := playback.NewMockDevice(24000)
	engine := playback.NewEngine(func() (playback.Device, error) { return device, nil }, nil, core.NewDevelopmentLogger())
	m, err := NewManager(ManagerConfig{
		Provider: ProviderFish,
		Fish:     fishaudio.Config{APIKey: "key"},
	}, ManagerDeps{
		Engine: engine,
		Dialer: stubDialer{conn: conn},
		Events: events,
		Logger: core.NewDevelopmentLogger(),
	})
	if err != nil {
		t.Fatalf("NewManager() = %v, want nil", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() = %v, want nil", err)
	}
	t.Cleanup(m.Destroy)
	return m, device
}

func TestRemoteChunkReachesSession(t *testing.T) {
	conn := newStubConn()
	m, device := newRemoteManager(t, conn, &core.SpeechEvents{})

	m.EnqueueStreamChunk("Streaming speech goes out over the wire.", false)

	deadline := time.Now().Add(2 * time.Second)
	for {
		conn.mu.Lock()
		n := len(conn.texts)
		conn.mu.Unlock()
		if n >= 2 { // start event + one text event
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session saw %d text frames, want start+text", n)
		}
		time.Sleep(time.Millisecond)
	}

	// Inbound audio gets scheduled and reaches the device.
	conn.frames <- []byte{1, 0, 2, 0, 3, 0}
	if !device.WaitForBytes(6, 2*time.Second) {
		t.Fatalf("device captured %d bytes, want 6", len(device.Captured()))
	}

	boundaries, phonemes := m.TimingData()
	if len(boundaries) == 0 || len(phonemes) != len(boundaries) {
		t.Fatalf("timing data %d/%d, want matching approximate boundaries", len(boundaries), len(phonemes))
	}
	for i := 1; i < len(boundaries); i++ {
		if boundaries[i].Offset < boundaries[i-1].End() {
			t.Fatalf("boundary offsets regress at %d: %v", i, boundaries)
		}
	}
}

func TestStopMidRemoteStream(t *testing.T) {
	conn := newStubConn()
	m, _ := newRemoteManager(t, conn, &core.SpeechEvents{
		OnError: func(err error) { t.Errorf("Stop surfaced error: %v", err) },
	})

	m.EnqueueStreamChunk("A long remote utterance that keeps streaming.", false)
	conn.frames <- make([]byte, 4800)

	m.Stop()
	m.Stop()

	if m.IsPlaying() {
		t.Fatal("IsPlaying() = true after Stop")
	}
	if got := m.engine.ScheduledCount(); got != 0 {
		t.Fatalf("ScheduledCount() = %d, want 0", got)
	}
	select {
	case <-conn.closed:
	case <-time.After(time.Second):
		t.Fatal("connection not torn down by Stop")
	}
}

type failingDialer struct {
	mu    sync.Mutex
	dials int
}

func (d *failingDialer) Dial(url string, header http.Header) (fishaudio.Conn, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	return nil, errors.New("connection refused")
}

func TestRemoteOpenFailureSurfacesWithoutRedial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	device := playback.NewMockDevice(24000)
	engine := playback.NewEngine(func() (playback.Device, error) { return device, nil }, nil, core.NewDevelopmentLogger())
	dialer := &failingDialer{}
	errs := make(chan error, 8)
	m, err := NewManager(ManagerConfig{
		Provider: ProviderFish,
		Fish:     fishaudio.Config{APIKey: "key", HTTPBaseURL: srv.URL},
	}, ManagerDeps{
		Engine: engine,
		Dialer: dialer,
		Events: &core.SpeechEvents{OnError: func(err error) { errs <- err }},
		Logger: core.NewDevelopmentLogger(),
	})
	if err != nil {
		t.Fatalf("NewManager() = %v", err)
	}
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}
	t.Cleanup(m.Destroy)

	m.EnqueueStreamChunk("Words that need the streaming session to open.", false)

	select {
	case err := <-errs:
		var te *core.TransportError
		if !errors.As(err, &te) {
			t.Fatalf("error = %v, want TransportError from the failed handshake", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handshake failure never surfaced")
	}

	dialer.mu.Lock()
	dials := dialer.dials
	dialer.mu.Unlock()
	if dials != 1 {
		t.Fatalf("dials = %d, want exactly 1 (no automatic redial)", dials)
	}
}

func TestRemoteMidStreamFailureEndsTurnOnce(t *testing.T) {
	conn := newStubConn()
	errs := make(chan error, 4)
	m, device := newRemoteManager(t, conn, &core.SpeechEvents{
		OnError: func(err error) { errs <- err },
	})

	m.EnqueueStreamChunk("A stream that will fail partway through speaking.", false)
	conn.frames <- []byte{1, 0, 2, 0, 3, 0}
	if !device.WaitForBytes(6, 2*time.Second) {
		t.Fatal("audio never reached the device before the failure")
	}

	// The connection dies mid-stream.
	conn.Close()

	select {
	case err := <-errs:
		var te *core.TransportError
		if !errors.As(err, &te) {
			t.Fatalf("error = %v, want TransportError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("mid-stream failure never surfaced")
	}

	// Playback state resets so the pipeline is not stuck speaking.
	deadline := time.Now().Add(2 * time.Second)
	for m.IsPlaying() {
		if time.Now().After(deadline) {
			t.Fatal("IsPlaying() stayed true after session failure")
		}
		time.Sleep(time.Millisecond)
	}

	// Chunks still arriving for the failed turn drop without a second error.
	m.EnqueueStreamChunk("More words arriving after the failure happened.", true)
	select {
	case err := <-errs:
		t.Fatalf("second error %v, want exactly one per turn", err)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRemoteMissingCredentialSurfacesOnce(t *testing.T) {
	device := playback.NewMockDevice(24000)
	engine := playback.NewEngine(func() (playback.Device, error) { return device, nil }, nil, core.NewDevelopmentLogger())
	errs := make(chan error, 4)
	m, err := NewManager(ManagerConfig{Provider: ProviderFish}, ManagerDeps{
		Engine: engine,
		Dialer: stubDialer{conn: newStubConn()},
		Events: &core.SpeechEvents{OnError: func(err error) { errs <- err }},
		Logger: core.NewDevelopmentLogger(),
	})
	if err != nil {
		t.Fatalf("NewManager() = %v", err)
	}
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}
	defer m.Destroy()

	m.EnqueueStreamChunk("First chunk of the doomed turn arrives here.", false)
	m.EnqueueStreamChunk("Second chunk of the doomed turn arrives here.", true)

	select {
	case err := <-errs:
		var cfgErr *core.ConfigError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("error = %v, want ConfigError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("missing credential never surfaced")
	}
	select {
	case err := <-errs:
		t.Fatalf("second error %v, want exactly one per turn", err)
	case <-time.After(100 * time.Millisecond):
	}
}
