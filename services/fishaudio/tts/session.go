package fishaudio

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/zaf/g711"

	"github.com/xsploit/webwaifu3/core"
)

const (
	defaultLiveURL    = "wss://api.fish.audio/v1/tts/live"
	defaultModelID    = "speech-1.6"
	defaultLatency    = "balanced"
	defaultSampleRate = 24000
	ulawSampleRate    = 8000
)

// Config holds credentials and voice parameters shared by the streaming
// session and the single-shot client.
type Config struct {
	APIKey      string `json:"api_key"`
	BaseURL     string `json:"base_url"`
	HTTPBaseURL string `json:"http_base_url"`
	ModelID     string `json:"model_id"`
	VoiceID     string `json:"voice_id"`
	// Format is the negotiated audio encoding: PCM (default) or ULAW.
	Format     core.AudioEncodingFormat `json:"-"`
	SampleRate int                      `json:"sample_rate"`
	Latency    string                   `json:"latency"`
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = defaultLiveURL
	}
	if c.HTTPBaseURL == "" {
		c.HTTPBaseURL = defaultHTTPURL
	}
	if c.ModelID == "" {
		c.ModelID = defaultModelID
	}
	if c.Latency == "" {
		c.Latency = defaultLatency
	}
	if c.SampleRate == 0 {
		if c.Format == core.ULAW {
			c.SampleRate = ulawSampleRate
		} else {
			c.SampleRate = defaultSampleRate
		}
	}
}

func (c *Config) formatString() string {
	if c.Format == core.ULAW {
		return "mulaw"
	}
	return "pcm"
}

// State is the streaming session lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateOpening
	StateStreaming
	StateDraining
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// FrameScheduler receives decoded audio frames for cursor-scheduled
// playback. The playback engine implements it.
type FrameScheduler interface {
	SchedulePCMFrame(samples []int16, sampleRate int) (float64, error)
	CursorTime() float64
	Now() float64
	WaitForDrain(ctx context.Context) error
	Stop()
}

// SessionEvents observe the session. All fields optional.
type SessionEvents struct {
	OnTurnFinished func()
	OnError        func(err error)
}

// StreamSession is one speaking turn's duplex connection. Text goes out as
// JSON events while audio frames stream back and are scheduled on the
// playback cursor as they arrive. Lifecycle: Idle -> Opening -> Streaming
// -> Draining -> Closed, or Opening -> Failed. A session is not reusable;
// the manager creates one per turn.
type StreamSession struct {
	cfg    Config
	logger *core.Logger
	dialer Dialer
	sched  FrameScheduler
	events SessionEvents

	mu        sync.Mutex
	state     State
	conn      Conn
	sessionID string
	carry     []byte // trailing byte of an odd-length PCM frame
	cancel    context.CancelFunc
	peerDone  chan struct{}
}

func NewStreamSession(cfg Config, dialer Dialer, sched FrameScheduler, events SessionEvents, logger *core.Logger) *StreamSession {
	cfg.applyDefaults()
	if dialer == nil {
		dialer = NewDialer()
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &StreamSession{
		cfg:    cfg,
		logger: logger,
		dialer: dialer,
		sched:  sched,
		events: events,
		state:  StateIdle,
	}
}

// State reports the current lifecycle phase.
func (s *StreamSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open dials the endpoint and sends the start event. On success the session
// is Streaming and WriteText may be called.
func (s *StreamSession) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("fishaudio: open in state %s", state)
	}
	if s.cfg.APIKey == "" {
		s.state = StateFailed
		s.mu.Unlock()
		return &core.ConfigError{Field: "fish_api_key", Reason: "credential required for streaming synthesis"}
	}
	s.state = StateOpening
	s.sessionID = uuid.NewString()
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.peerDone = make(chan struct{})
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.mu.Unlock()
		cancel()
		return &core.TransportError{Service: "fishaudio", Op: "dial", Err: err}
	}

	start := startEvent{
		Event: "start",
		Request: startRequest{
			Model:       s.cfg.ModelID,
			ReferenceID: s.cfg.VoiceID,
			Format:      s.cfg.formatString(),
			SampleRate:  s.cfg.SampleRate,
			Latency:     s.cfg.Latency,
		},
	}
	if err := s.sendJSON(conn, start); err != nil {
		conn.Close()
		s.mu.Lock()
		s.state = StateFailed
		s.mu.Unlock()
		cancel()
		return &core.TransportError{Service: "fishaudio", Op: "start", Err: err}
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateStreaming
	s.mu.Unlock()

	s.logger.Infof("fishaudio: session %s streaming (%s %d Hz, latency %s)",
		s.sessionID, s.cfg.formatString(), s.cfg.SampleRate, s.cfg.Latency)

	go s.readLoop(runCtx, conn)
	go s.heartbeat(runCtx, conn)
	return nil
}

// dial opens the websocket exactly once. Handshake failures are not
// retried here; the caller surfaces them and decides whether to degrade
// to the single-shot path.
func (s *StreamSession) dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	header := http.Header{"Authorization": []string{"Bearer " + s.cfg.APIKey}}
	return s.dialer.Dial(s.cfg.BaseURL, header)
}

// WriteText sends one finalized text chunk. A trailing space keeps the
// server's tokenizer from gluing adjacent chunks together.
func (s *StreamSession) WriteText(text string) error {
	s.mu.Lock()
	if s.state != StateStreaming {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("fishaudio: write in state %s", state)
	}
	conn := s.conn
	s.mu.Unlock()

	if text == "" {
		return nil
	}
	if err := s.sendJSON(conn, textEvent{Event: "text", Text: text + " "}); err != nil {
		return &core.TransportError{Service: "fishaudio", Op: "text", Err: err}
	}
	return nil
}

// FinishTurn closes the text side. The session drains: remaining audio
// frames are consumed and scheduled, and once the peer finishes and the
// playback cursor catches up, OnTurnFinished fires and the session closes.
func (s *StreamSession) FinishTurn() error {
	s.mu.Lock()
	if s.state != StateStreaming {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("fishaudio: finish in state %s", state)
	}
	s.state = StateDraining
	conn := s.conn
	s.mu.Unlock()

	if err := s.sendJSON(conn, controlEvent{Event: "finish"}); err != nil {
		// The peer may already have closed after sending all audio.
		s.logger.Warnf("fishaudio: finish event: %v", err)
	}
	go s.drain()
	return nil
}

func (s *StreamSession) drain() {
	s.mu.Lock()
	peerDone := s.peerDone
	s.mu.Unlock()

	select {
	case <-peerDone:
	case <-time.After(30 * time.Second):
		s.logger.Warnf("fishaudio: session %s drain timed out waiting for peer", s.sessionID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := s.sched.WaitForDrain(ctx); err != nil {
		return // aborted while draining
	}

	s.mu.Lock()
	if s.state != StateDraining {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.closeConnLocked()
	s.carry = nil
	s.mu.Unlock()

	s.logger.Infof("fishaudio: session %s finished", s.sessionID)
	if s.events.OnTurnFinished != nil {
		s.events.OnTurnFinished()
	}
}

// Abort tears the session down immediately: the connection is closed, every
// scheduled frame is force-stopped, and decode state is reset. Aborting is
// not an error and is safe in any state, repeatedly.
func (s *StreamSession) Abort() {
	s.mu.Lock()
	switch s.state {
	case StateIdle, StateClosed, StateFailed:
		s.state = StateClosed
		s.mu.Unlock()
		return
	}
	conn := s.conn
	if conn != nil {
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if data, err := sonic.Marshal(controlEvent{Event: "stop"}); err == nil {
			conn.WriteMessage(websocket.TextMessage, data)
		}
	}
	s.state = StateClosed
	s.closeConnLocked()
	s.carry = nil
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.sched.Stop()
	s.logger.Infof("fishaudio: session %s aborted", s.sessionID)
}

func (s *StreamSession) readLoop(ctx context.Context, conn Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			s.handleReadClosed(ctx, err)
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			s.handleAudioFrame(msg)
		case websocket.TextMessage:
			if done := s.handleServerEvent(msg); done {
				return
			}
		}
	}
}

// handleReadClosed classifies a read failure. During drain or after abort a
// closed connection is expected; mid-stream it is a transport error.
func (s *StreamSession) handleReadClosed(ctx context.Context, err error) {
	s.mu.Lock()
	state := s.state
	peerDone := s.peerDone
	s.mu.Unlock()

	if ctx.Err() != nil || state == StateClosed {
		return
	}
	if state == StateDraining {
		closeOnce(peerDone)
		return
	}

	s.mu.Lock()
	s.state = StateFailed
	s.closeConnLocked()
	s.mu.Unlock()
	s.fail(&core.TransportError{Service: "fishaudio", Op: "read", Err: err})
}

func (s *StreamSession) handleServerEvent(msg []byte) (done bool) {
	var ev serverEvent
	if err := sonic.Unmarshal(msg, &ev); err != nil {
		s.logger.Warnf("fishaudio: malformed server event: %v", err)
		return false
	}
	switch ev.Event {
	case "finish", "finished":
		s.mu.Lock()
		peerDone := s.peerDone
		s.mu.Unlock()
		closeOnce(peerDone)
		return true
	case "error":
		s.mu.Lock()
		s.state = StateFailed
		s.closeConnLocked()
		s.mu.Unlock()
		s.fail(&core.TransportError{Service: "fishaudio", Op: "synthesis",
			Err: fmt.Errorf("server error: %s", ev.Message)})
		return true
	default:
		// log/heartbeat events are informational.
		return false
	}
}

// handleAudioFrame decodes one inbound frame and schedules it. PCM frames
// may split a 16-bit sample across the wire; the dangling byte is carried
// into the next frame. The μ-law path has one byte per sample, no carry.
func (s *StreamSession) handleAudioFrame(frame []byte) {
	if len(frame) == 0 {
		return
	}

	var samples []int16
	s.mu.Lock()
	if s.state != StateStreaming && s.state != StateDraining {
		s.mu.Unlock()
		return
	}
	if s.cfg.Format == core.ULAW {
		samples = make([]int16, len(frame))
		for i, b := range frame {
			samples[i] = g711.DecodeUlawFrame(b)
		}
	} else {
		data := frame
		if len(s.carry) > 0 {
			data = append(s.carry, frame...)
			s.carry = nil
		}
		if len(data)%2 != 0 {
			s.carry = []byte{data[len(data)-1]}
			data = data[:len(data)-1]
		}
		samples = make([]int16, len(data)/2)
		for i := range samples {
			samples[i] = int16(uint16(data[2*i]) | uint16(data[2*i+1])<<8)
		}
	}
	// Schedule while still holding the lock: Abort must not be able to stop
	// the scheduler between the state check and this call, or an aborted
	// session would leave one stray scheduled frame behind.
	var schedErr error
	if len(samples) > 0 {
		_, schedErr = s.sched.SchedulePCMFrame(samples, s.cfg.SampleRate)
	}
	s.mu.Unlock()

	if schedErr != nil {
		s.fail(&core.TransportError{Service: "fishaudio", Op: "schedule", Err: schedErr})
	}
}

func (s *StreamSession) heartbeat(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			active := s.conn == conn && (s.state == StateStreaming || s.state == StateDraining)
			s.mu.Unlock()
			if !active {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warnf("fishaudio: heartbeat ping failed: %v", err)
				return
			}
		}
	}
}

func (s *StreamSession) sendJSON(conn Conn, msg interface{}) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *StreamSession) fail(err error) {
	s.logger.Warnf("fishaudio: %v", err)
	if s.events.OnError != nil {
		s.events.OnError(err)
	}
}

func (s *StreamSession) closeConnLocked() {
	if s.conn != nil {
		s.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
		s.conn = nil
	}
}

func closeOnce(ch chan struct{}) {
	if ch == nil {
		return
	}
	defer func() { recover() }()
	close(ch)
}
