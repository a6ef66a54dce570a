package core

import (
	"errors"
	"fmt"
)

// ErrCanceled marks a deliberate interruption of playback or synthesis.
// Cancellation is not a failure and must never reach an error callback.
var ErrCanceled = errors.New("canceled")

// IsCanceled reports whether err stems from a deliberate stop.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}

// ConfigError reports missing or invalid configuration, detected before any
// network or device activity.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// TransportError reports a failed exchange with a remote synthesis service.
type TransportError struct {
	Service string
	Op      string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Service, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError reports an audio payload that could not be decoded.
type DecodeError struct {
	Format string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Format, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
