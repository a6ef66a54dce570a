package kokoro

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-audio/wav"

	"github.com/xsploit/webwaifu3/core"
)

type failingInitSynth struct {
	MockSynthesizer
}

func (s *failingInitSynth) Init(ctx context.Context, opts InitOptions, progress func(string, float64)) error {
	return errors.New("model files missing")
}

func collectResponse(t *testing.T, responses <-chan Response) Response {
	t.Helper()
	select {
	case resp, ok := <-responses:
		if !ok {
			t.Fatal("response channel closed")
		}
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("no response from worker")
		return nil
	}
}

func TestWorkerInitReportsProgressThenDone(t *testing.T) {
	w := NewWorker(&MockSynthesizer{}, core.NewDevelopmentLogger())
	requests, responses := w.Start()
	defer w.Stop()

	requests <- InitRequest{}
	if _, ok := collectResponse(t, responses).(InitProgress); !ok {
		t.Fatal("first response is not InitProgress")
	}
	if _, ok := collectResponse(t, responses).(InitDone); !ok {
		t.Fatal("second response is not InitDone")
	}
}

func TestWorkerInitErrorPropagates(t *testing.T) {
	w := NewWorker(&failingInitSynth{}, core.NewDevelopmentLogger())
	requests, responses := w.Start()
	defer w.Stop()

	requests <- InitRequest{}
	resp, ok := collectResponse(t, responses).(InitError)
	if !ok {
		t.Fatal("response is not InitError")
	}
	if resp.Err == nil {
		t.Fatal("InitError.Err = nil, want error")
	}
}

func TestWorkerSynthesizeBeforeInitFails(t *testing.T) {
	w := NewWorker(&MockSynthesizer{}, core.NewDevelopmentLogger())
	requests, responses := w.Start()
	defer w.Stop()

	requests <- SynthesizeRequest{ID: "a", Text: "hello"}
	resp, ok := collectResponse(t, responses).(ResultError)
	if !ok {
		t.Fatal("response is not ResultError")
	}
	if resp.ID != "a" {
		t.Fatalf("ResultError.ID = %q, want %q", resp.ID, "a")
	}
}

func TestWorkerSynthesisErrorSkipsChunkAndContinues(t *testing.T) {
	synth := &MockSynthesizer{FailOn: map[string]bool{"bad": true}}
	w := NewWorker(synth, core.NewDevelopmentLogger())
	requests, responses := w.Start()
	defer w.Stop()

	requests <- InitRequest{}
	collectResponse(t, responses) // progress
	collectResponse(t, responses) // done

	requests <- SynthesizeRequest{ID: "1", Text: "bad"}
	requests <- SynthesizeRequest{ID: "2", Text: "good"}

	if resp, ok := collectResponse(t, responses).(ResultError); !ok || resp.ID != "1" {
		t.Fatalf("first response = %#v, want ResultError for id 1", resp)
	}
	res, ok := collectResponse(t, responses).(Result)
	if !ok {
		t.Fatal("second response is not Result")
	}
	if res.ID != "2" || res.Text != "good" {
		t.Fatalf("Result = id %q text %q, want id 2 text good", res.ID, res.Text)
	}
}

func TestWorkerResultIsPlayableWAV(t *testing.T) {
	w := NewWorker(&MockSynthesizer{SampleRate: 24000}, core.NewDevelopmentLogger())
	requests, responses := w.Start()
	defer w.Stop()

	requests <- InitRequest{}
	collectResponse(t, responses)
	collectResponse(t, responses)

	requests <- SynthesizeRequest{ID: "x", Text: "one two three"}
	res, ok := collectResponse(t, responses).(Result)
	if !ok {
		t.Fatal("response is not Result")
	}

	dec := wav.NewDecoder(bytes.NewReader(res.Audio))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decoding worker WAV: %v", err)
	}
	if got, want := buf.Format.SampleRate, 24000; got != want {
		t.Fatalf("sample rate = %d, want %d", got, want)
	}
	if len(buf.Data) == 0 {
		t.Fatal("decoded WAV has no samples")
	}
}

func TestUniformBoundaries(t *testing.T) {
	got := uniformBoundaries("hello there world")
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, wb := range got {
		if want := core.Ticks(i) * wordBoundaryTicks; wb.Offset != want {
			t.Fatalf("boundary %d offset = %d, want %d", i, wb.Offset, want)
		}
		if wb.Duration != wordBoundaryTicks {
			t.Fatalf("boundary %d duration = %d, want %d", i, wb.Duration, wordBoundaryTicks)
		}
	}
	if uniformBoundaries("   ") != nil {
		t.Fatal("blank text should produce no boundaries")
	}
}
