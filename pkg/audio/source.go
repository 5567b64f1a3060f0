// Package audio defines the push-based capture contract consumed by the
// transcription pipeline, together with the PCM helpers shared by the
// capture adapters.
//
// The two abstractions are:
//
//   - [Source]: a capture device or feed that can be opened repeatedly, once
//     per transcription session.
//   - [Stream]: one open capture stream yielding fixed-size PCM chunks until
//     the feed is exhausted ([io.EOF]) or the stream is closed.
//
// Adapters live in sub-packages (audio/pipe, audio/discord). The package sits
// under pkg/ so that third-party capture backends can implement [Source].
package audio

import (
	"context"
	"errors"
	"time"
)

// Default capture format expected by the recognition backends: 16 kHz mono
// signed 16-bit little-endian PCM delivered in 100 ms chunks.
const (
	DefaultSampleRate    = 16000
	DefaultChannels      = 1
	DefaultChunkDuration = 100 * time.Millisecond
)

// ErrStreamClosed is returned by [Stream.Next] after the stream was closed.
var ErrStreamClosed = errors.New("audio: stream closed")

// Source opens capture streams.
//
// A Source may be opened many times over its lifetime (the transcription
// session is restarted periodically), but callers keep at most one [Stream]
// open at a time. Implementations must be safe for concurrent use.
type Source interface {
	// Open starts a new capture stream. The supplied ctx governs setup only;
	// the returned stream lives until Close is called or the feed ends.
	Open(ctx context.Context) (Stream, error)
}

// Stream is one open capture stream.
type Stream interface {
	// Next blocks until the next chunk of PCM audio is available and returns it.
	// The returned slice is owned by the caller. Next returns [io.EOF] when the
	// underlying feed is exhausted, [ErrStreamClosed] after Close, and
	// ctx.Err() when ctx is cancelled first.
	Next(ctx context.Context) ([]byte, error)

	// Close stops the stream and releases its resources. It is idempotent and
	// safe to call concurrently with Next, which unblocks with [ErrStreamClosed].
	Close() error
}

// ChunkBytes returns the size in bytes of one s16le chunk of duration d in
// format f. The result is always a whole number of frames.
func ChunkBytes(f Format, d time.Duration) int {
	channels := max(f.Channels, 1)
	frames := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return frames * channels * 2
}
