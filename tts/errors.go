package tts

import "github.com/xsploit/webwaifu3/core"

// The error taxonomy lives in core so the service packages can construct
// the same types without importing the orchestrator. Aliased here for the
// package's public surface.

type (
	ConfigError    = core.ConfigError
	TransportError = core.TransportError
	DecodeError    = core.DecodeError
)

// ErrCanceled marks a deliberate stop. It never reaches OnError.
var ErrCanceled = core.ErrCanceled

// IsCanceled reports whether err stems from a deliberate stop.
func IsCanceled(err error) bool {
	return core.IsCanceled(err)
}
