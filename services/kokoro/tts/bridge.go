package kokoro

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/xsploit/webwaifu3/core"
)

// ChunkPlayer plays one synthesized chunk. OnEnded must fire exactly once
// per accepted chunk unless playback is force-stopped.
type ChunkPlayer interface {
	PlayChunk(res *core.ChunkResult, onStarted func(), onEnded func(err error)) error
}

// BridgeHooks observe the bridge. All fields optional.
type BridgeHooks struct {
	OnChunkStarted func(res *core.ChunkResult)
	OnTurnFinished func()
	OnError        func(err error)
	OnInitProgress func(status string, fraction float64)
}

// Bridge feeds finalized text chunks through the worker and plays the
// results in order. At most one synthesis is in flight and at most one
// completed result is held back while the previous chunk plays, so audio
// order always matches enqueue order while the next chunk is prefetched.
type Bridge struct {
	logger *core.Logger
	worker *Worker
	player ChunkPlayer
	hooks  BridgeHooks

	Voice string
	Speed float64

	mu           sync.Mutex
	requests     chan<- Request
	gen          int64
	queue        []string
	synthesizing bool
	inflightID   string
	pending      *core.ChunkResult
	playing      bool
	final        bool
	initResult   chan error
}

func NewBridge(worker *Worker, player ChunkPlayer, hooks BridgeHooks, logger *core.Logger) *Bridge {
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Bridge{
		logger: logger,
		worker: worker,
		player: player,
		hooks:  hooks,
		Speed:  1.0,
	}
}

// Initialize starts the worker and loads the model, blocking until the load
// succeeds, fails, or the context expires.
func (b *Bridge) Initialize(ctx context.Context, opts InitOptions) error {
	b.mu.Lock()
	requests, responses := b.worker.Start()
	b.requests = requests
	b.initResult = make(chan error, 1)
	initResult := b.initResult
	b.mu.Unlock()

	go b.pump(responses)

	select {
	case requests <- InitRequest{Options: opts}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-initResult:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue appends one finalized text chunk to the synthesis queue.
func (b *Bridge) Enqueue(text string) {
	b.mu.Lock()
	b.queue = append(b.queue, text)
	req, send := b.dispatchLocked()
	b.mu.Unlock()
	if send {
		b.send(req)
	}
}

// FinishTurn marks the turn's input as complete. OnTurnFinished fires once
// everything queued has been synthesized and played.
func (b *Bridge) FinishTurn() {
	b.mu.Lock()
	b.final = true
	finish := b.finishIfIdleLocked()
	b.mu.Unlock()
	if finish {
		b.hooks.OnTurnFinished()
	}
}

// Stop discards queued text, the prefetch slot, and any in-flight synthesis
// result. Safe to call repeatedly; the bridge accepts new chunks afterward.
func (b *Bridge) Stop() {
	b.mu.Lock()
	b.gen++
	b.queue = nil
	b.pending = nil
	b.playing = false
	b.synthesizing = false
	b.inflightID = ""
	b.final = false
	b.mu.Unlock()
}

// Busy reports whether any chunk is queued, synthesizing, or playing.
func (b *Bridge) Busy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.idleLocked()
}

// Destroy stops the worker goroutine.
func (b *Bridge) Destroy() {
	b.Stop()
	b.worker.Stop()
}

func (b *Bridge) pump(responses <-chan Response) {
	for resp := range responses {
		switch resp := resp.(type) {
		case InitProgress:
			if b.hooks.OnInitProgress != nil {
				b.hooks.OnInitProgress(resp.Status, resp.Progress)
			}
		case InitDone:
			b.deliverInit(nil)
		case InitError:
			b.deliverInit(resp.Err)
		case Result:
			b.handleResult(resp)
		case ResultError:
			b.handleResultError(resp)
		}
	}
}

func (b *Bridge) deliverInit(err error) {
	b.mu.Lock()
	ch := b.initResult
	b.initResult = nil
	b.mu.Unlock()
	if ch != nil {
		ch <- err
	}
}

// dispatchLocked starts the next synthesis when nothing is in flight and
// the prefetch slot is free. Returns the request to send after unlocking.
func (b *Bridge) dispatchLocked() (SynthesizeRequest, bool) {
	if b.synthesizing || b.pending != nil || len(b.queue) == 0 {
		return SynthesizeRequest{}, false
	}
	text := b.queue[0]
	b.queue = b.queue[1:]
	b.synthesizing = true
	b.inflightID = uuid.NewString()
	return SynthesizeRequest{ID: b.inflightID, Text: text, Voice: b.Voice, Speed: b.Speed}, true
}

func (b *Bridge) send(req SynthesizeRequest) {
	b.mu.Lock()
	requests := b.requests
	b.mu.Unlock()
	if requests == nil {
		b.fail(fmt.Errorf("kokoro: bridge not initialized"))
		return
	}
	requests <- req
}

func (b *Bridge) handleResult(res Result) {
	b.mu.Lock()
	if res.ID != b.inflightID {
		b.mu.Unlock()
		return
	}
	b.synthesizing = false
	b.inflightID = ""
	chunk := &core.ChunkResult{
		Audio:          res.Audio,
		Format:         core.WAV,
		SampleRate:     res.SampleRate,
		WordBoundaries: res.WordBoundaries,
		Text:           res.Text,
	}
	if b.playing {
		// Hold the result until the current chunk finishes, and prefetch.
		b.pending = chunk
		b.mu.Unlock()
		return
	}
	b.playing = true
	gen := b.gen
	req, send := b.dispatchLocked()
	b.mu.Unlock()

	b.play(chunk, gen)
	if send {
		b.send(req)
	}
}

func (b *Bridge) handleResultError(res ResultError) {
	b.mu.Lock()
	if res.ID != b.inflightID {
		b.mu.Unlock()
		return
	}
	b.synthesizing = false
	b.inflightID = ""
	req, send := b.dispatchLocked()
	finish := b.finishIfIdleLocked()
	b.mu.Unlock()

	b.fail(res.Err)
	if send {
		b.send(req)
	}
	if finish {
		b.hooks.OnTurnFinished()
	}
}

func (b *Bridge) play(chunk *core.ChunkResult, gen int64) {
	err := b.player.PlayChunk(chunk,
		func() {
			if b.hooks.OnChunkStarted != nil {
				b.hooks.OnChunkStarted(chunk)
			}
		},
		func(err error) {
			b.playbackEnded(gen, err)
		},
	)
	if err != nil {
		b.playbackEnded(gen, err)
	}
}

func (b *Bridge) playbackEnded(gen int64, err error) {
	if err != nil {
		b.fail(err)
	}
	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}
	b.playing = false
	if next := b.pending; next != nil {
		b.pending = nil
		b.playing = true
		req, send := b.dispatchLocked()
		b.mu.Unlock()
		b.play(next, gen)
		if send {
			b.send(req)
		}
		return
	}
	req, send := b.dispatchLocked()
	finish := b.finishIfIdleLocked()
	b.mu.Unlock()
	if send {
		b.send(req)
	}
	if finish {
		b.hooks.OnTurnFinished()
	}
}

func (b *Bridge) idleLocked() bool {
	return len(b.queue) == 0 && !b.synthesizing && b.pending == nil && !b.playing
}

func (b *Bridge) finishIfIdleLocked() bool {
	if b.final && b.idleLocked() && b.hooks.OnTurnFinished != nil {
		b.final = false
		return true
	}
	return false
}

func (b *Bridge) fail(err error) {
	if err == nil {
		return
	}
	b.logger.Warnf("kokoro: %v", err)
	if b.hooks.OnError != nil {
		b.hooks.OnError(err)
	}
}
