package tts

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/xsploit/webwaifu3/core"
	"github.com/xsploit/webwaifu3/observability"
	"github.com/xsploit/webwaifu3/playback"
	fishaudio "github.com/xsploit/webwaifu3/services/fishaudio/tts"
	kokoro "github.com/xsploit/webwaifu3/services/kokoro/tts"
)

// Provider selects the synthesis backend.
type Provider string

const (
	ProviderKokoro Provider = "kokoro"
	ProviderFish   Provider = "fish"
)

// timingWindowWords caps the sliding approximate-timing window for the
// remote path so a long monologue does not grow it unboundedly.
const timingWindowWords = 320

// ManagerConfig is the orchestrator's static configuration.
type ManagerConfig struct {
	Provider    Provider
	Thresholds  BatchThresholds
	Fish        fishaudio.Config
	KokoroVoice string
	KokoroSpeed float64
	Kokoro      kokoro.InitOptions
}

// ManagerDeps are the collaborators the manager does not construct itself.
// Engine is required. Synthesizer is required for the kokoro provider.
// Nil Dialer, HTTPClient, Phonemizer, and Logger get production defaults;
// nil Events and Metrics are valid no-ops.
type ManagerDeps struct {
	Engine      *playback.Engine
	Synthesizer kokoro.Synthesizer
	Dialer      fishaudio.Dialer
	HTTPClient  *http.Client
	Phonemizer  Phonemizer
	Events      *core.SpeechEvents
	Metrics     *observability.Metrics
	Logger      *core.Logger
}

// Manager is the streaming TTS orchestrator: it accumulates an incremental
// token stream into sentences, batches them into provider-sized chunks,
// routes them to the local worker bridge or the remote streaming session,
// and owns cancellation for the whole pipeline. Construct one per
// application and pass it explicitly; there is no package-level instance.
type Manager struct {
	cfg        ManagerConfig
	logger     *core.Logger
	engine     *playback.Engine
	events     *core.SpeechEvents
	metrics    *observability.Metrics
	phonemizer Phonemizer
	dialer     fishaudio.Dialer
	fallback   *fishaudio.Client
	bridge     *kokoro.Bridge

	mu            sync.Mutex
	gen           int64
	acc           *SentenceAccumulator
	batcher       *ChunkBatcher
	session       *fishaudio.StreamSession
	sessionFailed bool
	fb            *fallbackTurn
	turnActive    bool
	turnStarted   time.Time
	boundaries    []core.WordBoundary
	phonemes      []string
	lipText       string
}

func NewManager(cfg ManagerConfig, deps ManagerDeps) (*Manager, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("tts: manager requires a playback engine")
	}
	if cfg.Provider == "" {
		cfg.Provider = ProviderKokoro
	}
	if cfg.Provider == ProviderKokoro && deps.Synthesizer == nil {
		return nil, fmt.Errorf("tts: kokoro provider requires a synthesizer")
	}
	if cfg.Thresholds.FirstChunk == 0 {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.KokoroSpeed == 0 {
		cfg.KokoroSpeed = 1.0
	}
	if deps.Logger == nil {
		deps.Logger = core.GetLogger()
	}
	if deps.Phonemizer == nil {
		deps.Phonemizer = NewBasicPhonemizer()
	}

	m := &Manager{
		cfg:        cfg,
		logger:     deps.Logger,
		engine:     deps.Engine,
		events:     deps.Events,
		metrics:    deps.Metrics,
		phonemizer: deps.Phonemizer,
		dialer:     deps.Dialer,
		fallback:   fishaudio.NewClient(cfg.Fish, deps.HTTPClient, deps.Logger),
		acc:        NewSentenceAccumulator(),
		batcher:    NewChunkBatcher(cfg.Thresholds, cfg.Provider == ProviderFish),
	}

	if cfg.Provider == ProviderKokoro {
		worker := kokoro.NewWorker(deps.Synthesizer, deps.Logger)
		m.bridge = kokoro.NewBridge(worker, enginePlayer{deps.Engine}, kokoro.BridgeHooks{
			OnChunkStarted: m.handleLocalChunkStarted,
			OnTurnFinished: m.handleTurnFinished,
			OnError:        func(err error) { m.emitError("kokoro", err) },
			OnInitProgress: func(status string, fraction float64) {
				m.logger.Infof("tts: model load %s (%.0f%%)", status, fraction*100)
			},
		}, deps.Logger)
		m.bridge.Voice = cfg.KokoroVoice
		m.bridge.Speed = cfg.KokoroSpeed
	}

	m.engine.SetOnSpeechStarted(m.handleFirstAudio)
	return m, nil
}

// Initialize prepares the audio device and, for the local provider, loads
// the synthesis model. Re-initialization recreates the device.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.engine.Initialize(); err != nil {
		return err
	}
	if m.bridge != nil {
		return m.bridge.Initialize(ctx, m.cfg.Kokoro)
	}
	return nil
}

// Provider reports the configured synthesis backend.
func (m *Manager) Provider() Provider {
	return m.cfg.Provider
}

// Amplitude reports the current audible amplitude in [0,1]. Callable once
// per render frame.
func (m *Manager) Amplitude() float64 {
	return m.engine.Amplitude()
}

// IsPlaying reports whether speech is audible or scheduled.
func (m *Manager) IsPlaying() bool {
	return m.engine.IsPlaying()
}

// PlaybackTime reports seconds into the current clip or turn.
func (m *Manager) PlaybackTime() (float64, bool) {
	return m.engine.PlaybackTime()
}

// TimingData snapshots the word boundaries and phoneme words for the
// utterance currently playing.
func (m *Manager) TimingData() ([]core.WordBoundary, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	boundaries := make([]core.WordBoundary, len(m.boundaries))
	copy(boundaries, m.boundaries)
	phonemes := make([]string, len(m.phonemes))
	copy(phonemes, m.phonemes)
	return boundaries, phonemes
}

// EnqueueStreamChunk feeds an incremental LLM delta into the pipeline.
// final marks the end of the turn's token stream.
func (m *Manager) EnqueueStreamChunk(text string, final bool) {
	m.mu.Lock()
	var fragments []string
	if text != "" {
		if frag, ok := m.acc.AddToken(text); ok {
			fragments = append(fragments, frag)
		}
	}
	if final {
		if frag, ok := m.acc.Flush(); ok {
			fragments = append(fragments, frag)
		}
	}
	var chunks []string
	for _, frag := range fragments {
		chunks = append(chunks, m.batcher.Add(frag)...)
	}
	if final {
		chunks = append(chunks, m.batcher.FlushFinal()...)
	}
	m.mu.Unlock()

	for _, chunk := range chunks {
		m.routeChunk(chunk)
	}
	if final {
		m.finalizeTurn()
	}
}

// Speak synthesizes one complete text, bypassing stream accumulation.
func (m *Manager) Speak(text string) {
	cleaned := CleanForSpeech(text)
	if utf8.RuneCountInString(cleaned) < minChunkRunes {
		return
	}
	for _, chunk := range splitLongChunk(cleaned) {
		m.routeChunk(chunk)
	}
	m.finalizeTurn()
}

// Stop is the universal cancel: queues, sessions, scheduled audio, and
// timing state all reset so a new turn can start immediately. Safe to call
// at any time, repeatedly, from any goroutine.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.gen++
	session := m.session
	fb := m.fb
	m.session = nil
	m.fb = nil
	m.sessionFailed = false
	m.turnActive = false
	m.turnStarted = time.Time{}
	m.boundaries = nil
	m.phonemes = nil
	m.lipText = ""
	m.acc.Clear()
	m.batcher.Reset()
	m.mu.Unlock()

	if m.bridge != nil {
		m.bridge.Stop()
	}
	if fb != nil {
		fb.cancelFn()
	}
	if session != nil {
		session.Abort()
	}
	m.engine.Stop()
	m.metrics.SetTurnActive(false)
}

// Destroy stops everything and releases the worker and audio device.
func (m *Manager) Destroy() {
	m.Stop()
	if m.bridge != nil {
		m.bridge.Destroy()
	}
	if err := m.engine.Close(); err != nil {
		m.logger.Warnf("tts: closing playback engine: %v", err)
	}
}

// ── Routing ──────────────────────────────────────────────────────────────

func (m *Manager) routeChunk(chunk string) {
	m.mu.Lock()
	if !m.turnActive {
		m.turnActive = true
		m.turnStarted = time.Now()
		m.metrics.SetTurnActive(true)
	}
	m.mu.Unlock()

	if m.cfg.Provider == ProviderFish {
		m.routeRemote(chunk)
		return
	}
	m.bridge.Enqueue(chunk)
}

func (m *Manager) routeRemote(chunk string) {
	m.mu.Lock()
	session := m.session
	fb := m.fb
	failed := m.sessionFailed
	gen := m.gen
	m.mu.Unlock()

	if failed {
		// The turn was aborted by a configuration failure; the error has
		// already been surfaced once.
		return
	}
	if fb != nil {
		fb.enqueue(chunk)
		m.appendTiming(chunk)
		return
	}

	if session == nil {
		opened, newFB := m.openRemote(gen)
		if opened == nil && newFB == nil {
			return
		}
		if newFB != nil {
			newFB.enqueue(chunk)
			m.appendTiming(chunk)
			return
		}
		session = opened
	}

	if err := session.WriteText(chunk); err != nil {
		m.handleSessionFailure(err)
		return
	}
	m.metrics.ChunkSynthesized("fish")
	m.appendTiming(chunk)
}

// openRemote lazily opens the turn's streaming session. A missing
// credential aborts routing for the turn; transport trouble degrades to the
// single-shot fallback path.
func (m *Manager) openRemote(gen int64) (*fishaudio.StreamSession, *fallbackTurn) {
	session := fishaudio.NewStreamSession(m.cfg.Fish, m.dialer, m.scheduler(), fishaudio.SessionEvents{
		OnTurnFinished: m.handleTurnFinished,
		OnError:        m.handleSessionFailure,
	}, m.logger)

	if err := session.Open(context.Background()); err != nil {
		var cfgErr *core.ConfigError
		if errors.As(err, &cfgErr) {
			m.mu.Lock()
			m.sessionFailed = true
			m.mu.Unlock()
			m.emitError("fish", err)
			return nil, nil
		}
		m.logger.Warnf("tts: streaming session unavailable, degrading to single-shot: %v", err)
		m.emitError("fish", err)
		fb := m.startFallback(gen)
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			fb.cancelFn()
			return nil, nil
		}
		m.fb = fb
		m.mu.Unlock()
		return nil, fb
	}

	m.mu.Lock()
	if m.gen != gen {
		// Stopped while the dial was in flight.
		m.mu.Unlock()
		session.Abort()
		return nil, nil
	}
	m.session = session
	m.mu.Unlock()
	return session, nil
}

func (m *Manager) finalizeTurn() {
	m.mu.Lock()
	active := m.turnActive
	session := m.session
	fb := m.fb
	failed := m.sessionFailed
	m.mu.Unlock()

	if !active {
		return
	}
	if m.cfg.Provider == ProviderFish {
		switch {
		case session != nil:
			if err := session.FinishTurn(); err != nil {
				m.logger.Warnf("tts: finishing stream: %v", err)
			}
		case fb != nil:
			fb.finish()
		case failed:
			m.resetTurnState()
		}
		return
	}
	m.bridge.FinishTurn()
}

// ── Callbacks ────────────────────────────────────────────────────────────

func (m *Manager) handleFirstAudio() {
	m.mu.Lock()
	started := m.turnStarted
	m.mu.Unlock()
	if !started.IsZero() {
		m.metrics.ObserveFirstAudioLatency(time.Since(started).Seconds())
	}
	m.events.EmitSpeechStarted()
}

func (m *Manager) handleLocalChunkStarted(res *core.ChunkResult) {
	m.mu.Lock()
	m.boundaries = res.WordBoundaries
	if len(res.Phonemes) > 0 {
		m.phonemes = res.Phonemes
	} else {
		words := strings.Fields(res.Text)
		m.phonemes = make([]string, len(words))
		for i, w := range words {
			m.phonemes[i] = m.phonemizer.Phonemize(w)
		}
	}
	m.lipText = res.Text
	data := m.lipSyncSnapshotLocked()
	m.mu.Unlock()

	m.metrics.ChunkSynthesized("kokoro")
	m.events.EmitLipSyncData(data)
}

// handleSessionFailure ends the turn's playback after a session-level
// failure: the dead session is dropped, scheduled audio is stopped, and the
// error surfaces exactly once. The turn stays marked failed so chunks still
// arriving for it are discarded silently until it finalizes.
func (m *Manager) handleSessionFailure(err error) {
	m.mu.Lock()
	if m.sessionFailed {
		m.mu.Unlock()
		return
	}
	m.sessionFailed = true
	m.session = nil
	m.fb = nil
	m.boundaries = nil
	m.phonemes = nil
	m.lipText = ""
	m.mu.Unlock()

	m.engine.Stop()
	m.emitError("fish", err)
}

func (m *Manager) handleTurnFinished() {
	m.resetTurnState()
	m.engine.EndTurn()
	m.events.EmitSpeechFinished()
}

func (m *Manager) resetTurnState() {
	m.mu.Lock()
	m.session = nil
	m.fb = nil
	m.sessionFailed = false
	m.turnActive = false
	m.turnStarted = time.Time{}
	m.boundaries = nil
	m.phonemes = nil
	m.lipText = ""
	m.mu.Unlock()
	m.metrics.SetTurnActive(false)
}

func (m *Manager) emitError(provider string, err error) {
	if err == nil || IsCanceled(err) {
		return
	}
	m.logger.Warnf("tts: %s: %v", provider, err)
	m.metrics.SynthesisError(provider, errorKind(err))
	m.events.EmitError(err)
}

// ── Approximate timing for the remote path ───────────────────────────────

// appendTiming extends the sliding word-boundary window with synthetic
// timings for one routed chunk. The remote stream reports no alignment, so
// word durations are estimated from word length.
func (m *Manager) appendTiming(chunk string) {
	words := strings.Fields(chunk)
	if len(words) == 0 {
		return
	}
	m.mu.Lock()
	offset := core.Ticks(0)
	if n := len(m.boundaries); n > 0 {
		offset = m.boundaries[n-1].End()
	}
	for _, word := range words {
		d := approxWordTicks(word)
		m.boundaries = append(m.boundaries, core.WordBoundary{Word: word, Offset: offset, Duration: d})
		m.phonemes = append(m.phonemes, m.phonemizer.Phonemize(word))
		offset += d
	}
	if drop := len(m.boundaries) - timingWindowWords; drop > 0 {
		m.boundaries = m.boundaries[drop:]
		m.phonemes = m.phonemes[drop:]
	}
	if m.lipText == "" {
		m.lipText = chunk
	} else {
		m.lipText += " " + chunk
	}
	data := m.lipSyncSnapshotLocked()
	m.mu.Unlock()

	m.events.EmitLipSyncData(data)
}

func (m *Manager) lipSyncSnapshotLocked() core.LipSyncData {
	boundaries := make([]core.WordBoundary, len(m.boundaries))
	copy(boundaries, m.boundaries)
	phonemes := make([]string, len(m.phonemes))
	copy(phonemes, m.phonemes)
	return core.LipSyncData{WordBoundaries: boundaries, Phonemes: phonemes, Text: m.lipText}
}

func approxWordTicks(word string) core.Ticks {
	runes := utf8.RuneCountInString(word)
	if runes > 14 {
		runes = 14
	}
	sec := 0.09 + float64(runes)*0.027
	if sec < 0.1 {
		sec = 0.1
	} else if sec > 0.5 {
		sec = 0.5
	}
	if strings.ContainsAny(word[len(word)-1:], ".,!?;:") {
		sec += 0.07
	}
	return core.SecondsToTicks(sec)
}

// ── Single-shot fallback turn ────────────────────────────────────────────

// fallbackTurn plays a turn through the non-streaming client when the
// duplex session cannot be opened: chunks synthesize and play strictly in
// order, one at a time.
type fallbackTurn struct {
	m        *Manager
	gen      int64
	ctx      context.Context
	cancelFn context.CancelFunc
	ch       chan string
	once     sync.Once
}

func (m *Manager) startFallback(gen int64) *fallbackTurn {
	ctx, cancel := context.WithCancel(context.Background())
	fb := &fallbackTurn{m: m, gen: gen, ctx: ctx, cancelFn: cancel, ch: make(chan string, 64)}
	go fb.run()
	return fb
}

func (fb *fallbackTurn) enqueue(text string) {
	select {
	case fb.ch <- text:
	case <-fb.ctx.Done():
	}
}

func (fb *fallbackTurn) finish() {
	fb.once.Do(func() { close(fb.ch) })
}

func (fb *fallbackTurn) run() {
	for {
		select {
		case <-fb.ctx.Done():
			return
		case text, ok := <-fb.ch:
			if !ok {
				fb.m.fallbackTurnDone(fb.gen)
				return
			}
			res, err := fb.m.fallback.Synthesize(fb.ctx, text)
			if err != nil {
				if fb.ctx.Err() == nil {
					fb.m.emitError("fish", err)
				}
				continue
			}
			done := make(chan struct{})
			err = fb.m.engine.PlayChunk(res, playback.PlaybackCallbacks{
				OnEnded: func(error) { close(done) },
			})
			if err != nil {
				fb.m.emitError("fish", err)
				continue
			}
			fb.m.metrics.ChunkSynthesized("fish")
			select {
			case <-done:
			case <-fb.ctx.Done():
				return
			}
		}
	}
}

func (m *Manager) fallbackTurnDone(gen int64) {
	m.mu.Lock()
	stale := gen != m.gen
	m.mu.Unlock()
	if stale {
		return
	}
	m.handleTurnFinished()
}

// ── Adapters ─────────────────────────────────────────────────────────────

// enginePlayer adapts the playback engine to the bridge's player contract.
type enginePlayer struct {
	engine *playback.Engine
}

func (p enginePlayer) PlayChunk(res *core.ChunkResult, onStarted func(), onEnded func(err error)) error {
	return p.engine.PlayChunk(res, playback.PlaybackCallbacks{OnStarted: onStarted, OnEnded: onEnded})
}

// meteredScheduler counts streamed PCM volume on its way to the engine.
type meteredScheduler struct {
	*playback.Engine
	metrics *observability.Metrics
}

func (s meteredScheduler) SchedulePCMFrame(samples []int16, rate int) (float64, error) {
	s.metrics.PCMBytes(len(samples) * 2)
	return s.Engine.SchedulePCMFrame(samples, rate)
}

func (m *Manager) scheduler() fishaudio.FrameScheduler {
	return meteredScheduler{Engine: m.engine, metrics: m.metrics}
}

func errorKind(err error) string {
	var cfgErr *core.ConfigError
	var transportErr *core.TransportError
	var decodeErr *core.DecodeError
	switch {
	case errors.As(err, &cfgErr):
		return "config"
	case errors.As(err, &transportErr):
		return "transport"
	case errors.As(err, &decodeErr):
		return "decode"
	default:
		return "other"
	}
}
