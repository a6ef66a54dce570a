package core

// LipSyncData is delivered to the avatar renderer whenever the timing data
// for the current utterance changes.
type LipSyncData struct {
	WordBoundaries []WordBoundary
	Phonemes       []string
	Text           string
}

// SpeechEvents is the callback surface exposed to the avatar renderer.
// All fields are optional; nil callbacks are skipped.
type SpeechEvents struct {
	OnSpeechStarted  func()
	OnSpeechFinished func()
	OnLipSyncData    func(LipSyncData)
	OnError          func(error)
}

func (ev *SpeechEvents) EmitSpeechStarted() {
	if ev != nil && ev.OnSpeechStarted != nil {
		ev.OnSpeechStarted()
	}
}

func (ev *SpeechEvents) EmitSpeechFinished() {
	if ev != nil && ev.OnSpeechFinished != nil {
		ev.OnSpeechFinished()
	}
}

func (ev *SpeechEvents) EmitLipSyncData(data LipSyncData) {
	if ev != nil && ev.OnLipSyncData != nil {
		ev.OnLipSyncData(data)
	}
}

func (ev *SpeechEvents) EmitError(err error) {
	if ev != nil && ev.OnError != nil && err != nil {
		ev.OnError(err)
	}
}
