package session

import "errors"

var (
	// ErrSessionClosed is returned for calls on a session after End or Abort.
	ErrSessionClosed = errors.New("session is closed")

	// ErrWrongMode is returned when a session is opened with an unknown mode.
	ErrWrongMode = errors.New("unknown session mode")
)
