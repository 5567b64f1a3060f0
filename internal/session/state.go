// Package session drives one logical listening session: it keeps an audio
// stream and a streaming recognition session open, routes final transcripts
// into the idea pipeline and transparently replaces the recognition session
// whenever the backend expires it.
package session

import (
	"errors"
	"fmt"
)

// ErrTranscriptionFailure wraps every recognition or capture error other than
// session expiry. It ends the logical session.
var ErrTranscriptionFailure = errors.New("session: transcription failure")

// ErrAlreadyRun is returned when Run is called a second time.
var ErrAlreadyRun = errors.New("session: controller already ran")

// State is the lifecycle state of a [Controller].
type State int

const (
	// Idle is the state before Run.
	Idle State = iota
	// Listening means an audio stream and a recognition session are open.
	Listening
	// Restarting means the recognition session expired and a new pair is
	// being opened.
	Restarting
	// Terminating means the session is shutting down: in-flight extraction
	// is awaited, persisters are flushed and the archive is written.
	Terminating
	// Terminated is final. The idea store accepts no further changes.
	Terminated
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Restarting:
		return "restarting"
	case Terminating:
		return "terminating"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
