package kokoro

import "github.com/xsploit/webwaifu3/core"

// The worker speaks a small tagged-union protocol over its request and
// response channels. The marker methods make the union compile-time
// exhaustive; a type switch over Request or Response covers every case.

type Request interface{ isRequest() }

type Response interface{ isResponse() }

// InitOptions selects the model variant loaded by the synthesis backend.
type InitOptions struct {
	Dtype  string `json:"dtype"`
	Device string `json:"device"`
}

// InitRequest loads the model. Must be the first request on a fresh worker.
type InitRequest struct {
	Options InitOptions
}

// SynthesizeRequest asks for one chunk of speech.
type SynthesizeRequest struct {
	ID    string
	Text  string
	Voice string
	Speed float64
}

// InitDone reports a completed model load.
type InitDone struct{}

// InitProgress reports model-load progress, 0..1.
type InitProgress struct {
	Status   string
	Progress float64
}

// InitError reports a failed model load. The worker stays alive but will
// fail synthesis requests until reinitialized.
type InitError struct {
	Err error
}

// Result carries one synthesized chunk.
type Result struct {
	ID             string
	Audio          []byte // WAV container
	SampleRate     int
	WordBoundaries []core.WordBoundary
	Text           string
}

// ResultError reports a failed synthesis for the identified request.
type ResultError struct {
	ID  string
	Err error
}

func (InitRequest) isRequest()       {}
func (SynthesizeRequest) isRequest() {}

func (InitDone) isResponse()     {}
func (InitProgress) isResponse() {}
func (InitError) isResponse()    {}
func (Result) isResponse()       {}
func (ResultError) isResponse()  {}
