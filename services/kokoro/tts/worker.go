package kokoro

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/xsploit/webwaifu3/core"
)

var errNotInitialized = errors.New("kokoro: model not initialized")

// wordBoundaryTicks is the uniform per-word slot assigned to local synthesis
// results. The backend does not report alignment, so every word gets 30ms.
const wordBoundaryTicks core.Ticks = 300_000

// Worker runs the synthesis backend on its own goroutine. Requests go in on
// one channel, responses come out on another; there is no shared state with
// the caller. Start is idempotent and restart-safe: starting a running
// worker tears the old goroutine down first.
type Worker struct {
	logger *core.Logger
	synth  Synthesizer

	mu        sync.Mutex
	requests  chan Request
	responses chan Response
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewWorker(synth Synthesizer, logger *core.Logger) *Worker {
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Worker{logger: logger, synth: synth}
}

// Start launches the worker goroutine and returns its channels. Send
// InitRequest first; SynthesizeRequests before a successful init fail with
// ResultError.
func (w *Worker) Start() (chan<- Request, <-chan Response) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.stopLocked()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.requests = make(chan Request, 16)
	w.responses = make(chan Response, 16)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx, w.requests, w.responses, w.done)
	return w.requests, w.responses
}

// Stop terminates the worker goroutine and closes the response channel.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
}

func (w *Worker) stopLocked() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	close(w.requests)
	<-w.done
	w.cancel = nil
	w.requests = nil
	w.responses = nil
}

func (w *Worker) run(ctx context.Context, requests <-chan Request, responses chan<- Response, done chan struct{}) {
	defer close(done)
	defer close(responses)
	defer func() {
		if err := w.synth.Close(); err != nil {
			w.logger.Warnf("kokoro: closing synthesizer: %v", err)
		}
	}()

	initialized := false
	for req := range requests {
		if ctx.Err() != nil {
			return
		}
		switch req := req.(type) {
		case InitRequest:
			err := w.synth.Init(ctx, req.Options, func(status string, fraction float64) {
				w.emit(ctx, responses, InitProgress{Status: status, Progress: fraction})
			})
			if err != nil {
				w.emit(ctx, responses, InitError{Err: err})
				continue
			}
			initialized = true
			w.emit(ctx, responses, InitDone{})

		case SynthesizeRequest:
			if !initialized {
				w.emit(ctx, responses, ResultError{ID: req.ID, Err: errNotInitialized})
				continue
			}
			samples, rate, err := w.synth.Synthesize(ctx, req.Text, req.Voice, req.Speed)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.emit(ctx, responses, ResultError{ID: req.ID, Err: err})
				continue
			}
			audio, err := encodeWAV(samples, rate)
			if err != nil {
				w.emit(ctx, responses, ResultError{ID: req.ID, Err: err})
				continue
			}
			w.emit(ctx, responses, Result{
				ID:             req.ID,
				Audio:          audio,
				SampleRate:     rate,
				WordBoundaries: uniformBoundaries(req.Text),
				Text:           req.Text,
			})
		}
	}
}

func (w *Worker) emit(ctx context.Context, responses chan<- Response, resp Response) {
	select {
	case responses <- resp:
	case <-ctx.Done():
	}
}

// uniformBoundaries assigns each word an equal consecutive slot.
func uniformBoundaries(text string) []core.WordBoundary {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	out := make([]core.WordBoundary, len(words))
	for i, word := range words {
		out[i] = core.WordBoundary{
			Word:     word,
			Offset:   core.Ticks(i) * wordBoundaryTicks,
			Duration: wordBoundaryTicks,
		}
	}
	return out
}
