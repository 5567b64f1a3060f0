// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram or
// Google Speech-to-Text) and exposes a uniform streaming interface. The central
// abstraction is SessionHandle: once opened, a session accepts raw PCM audio
// chunks and emits two streams of Transcript values: low-latency partials and
// authoritative finals.
//
// Streaming backends cap the lifetime of a single recognition stream (about
// five minutes for the common cloud services). A session that hits this limit
// ends with [ErrSessionExpired]; callers are expected to open a fresh session
// and carry on. Any other terminal error is a transport failure.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrSessionExpired reports that the backend ended the stream because it
// reached its maximum duration. It is the only terminal error that callers
// should recover from by restarting.
var ErrSessionExpired = errors.New("stt: session expired")

// IsSessionExpired reports whether err is, or wraps, [ErrSessionExpired].
func IsSessionExpired(err error) bool {
	return errors.Is(err, ErrSessionExpired)
}

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The pipeline captures at 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider use its default.
	Language string

	// Keywords are vocabulary hints that increase recognition probability for
	// uncommon words.
	Keywords []KeywordBoost
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider. The
	// chunk must match the format agreed in StreamConfig. Calling SendAudio
	// after the session ended returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel of interim Transcript values. They
	// are advisory and must not feed the authoritative transcript history.
	// The channel is closed when the session ends.
	Partials() <-chan Transcript

	// Finals returns a read-only channel of authoritative Transcript values.
	// The channel is closed when the session ends.
	Finals() <-chan Transcript

	// Err returns the reason the session ended. It is only meaningful once the
	// Finals channel is closed: nil for a clean end (caller Close or the
	// backend finishing the stream), [ErrSessionExpired] when the maximum
	// stream duration was reached, or the transport error otherwise.
	Err() error

	// Close terminates the session, flushes any pending audio, and releases all
	// associated resources. After Close returns, the Partials and Finals
	// channels are closed. Calling Close more than once is safe and returns nil.
	Close() error
}

// SendCloser is implemented by sessions that can be told that no more audio
// will follow. After CloseSend the backend flushes its remaining results and
// ends the session, closing Finals. Sessions without it are simply closed.
type SendCloser interface {
	CloseSend() error
}

// Drainer is implemented by sessions that may need longer than a caller's
// default grace period to deliver their last results after CloseSend, such as
// batch engines that transcribe the pending utterance only then.
type Drainer interface {
	// DrainTimeout is the longest the session may take to close Finals after
	// CloseSend.
	DrainTimeout() time.Duration
}

// Provider is the abstraction over any streaming STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// SessionHandle is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure or ctx already cancelled). The caller owns the
	// SessionHandle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
