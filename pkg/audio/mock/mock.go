// Package mock provides in-memory mock implementations of the [audio.Source]
// and [audio.Stream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts, and they expose exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	st := mock.NewStream(chunk1, chunk2) // yields two chunks, then io.EOF
//	src := &mock.Source{Streams: []*mock.Stream{st}}
//	got, err := src.Open(ctx)
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/ideaflow/pkg/audio"
)

// ─── Stream ──────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream]. It yields the chunks
// queued at construction, then either blocks until closed (when Hold is set)
// or returns EndErr (io.EOF when nil).
type Stream struct {
	mu     sync.Mutex
	chunks chan []byte
	done   chan struct{}
	once   sync.Once

	// Hold keeps the stream open after the queued chunks are consumed, so Next
	// blocks until Close or ctx cancellation. Simulates a live microphone.
	Hold bool

	// EndErr is returned once the queued chunks are exhausted. Defaults to io.EOF.
	EndErr error

	// CallCountNext records how many times Next was called.
	CallCountNext int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewStream returns a Stream that yields chunks in order.
func NewStream(chunks ...[]byte) *Stream {
	ch := make(chan []byte, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return &Stream{chunks: ch, done: make(chan struct{})}
}

// NewLiveStream returns a Stream with Hold set, yielding chunks then blocking.
func NewLiveStream(chunks ...[]byte) *Stream {
	s := NewStream(chunks...)
	s.Hold = true
	return s
}

// Next implements [audio.Stream].
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	s.CallCountNext++
	hold, endErr := s.Hold, s.EndErr
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil, audio.ErrStreamClosed
	default:
	}

	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
	case <-s.done:
		return nil, audio.ErrStreamClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if hold {
		select {
		case <-s.done:
			return nil, audio.ErrStreamClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if endErr != nil {
		return nil, endErr
	}
	return nil, io.EOF
}

// Close implements [audio.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
	return nil
}

// Closed reports whether Close has been called at least once.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose > 0
}

var _ audio.Stream = (*Stream)(nil)

// ─── Source ──────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source].
// Set the exported fields before use; inspect the Call* fields after.
type Source struct {
	mu sync.Mutex

	// Streams are handed out by successive Open calls. Once exhausted, Open
	// returns fresh live streams with no chunks.
	Streams []*Stream

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// Opened records every stream returned by Open, in order.
	Opened []*Stream

	openedWhileOpen int
}

// Open implements [audio.Source].
func (s *Source) Open(_ context.Context) (audio.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountOpen++
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	for _, prev := range s.Opened {
		if !prev.Closed() {
			s.openedWhileOpen++
			break
		}
	}
	var st *Stream
	if len(s.Streams) > 0 {
		st, s.Streams = s.Streams[0], s.Streams[1:]
	} else {
		st = NewLiveStream()
	}
	s.Opened = append(s.Opened, st)
	return st, nil
}

// OpenedStreams returns a copy of the streams handed out so far.
func (s *Source) OpenedStreams() []*Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Stream, len(s.Opened))
	copy(out, s.Opened)
	return out
}

// OverlappingOpens returns how many streams were opened while an earlier one
// had not been closed yet. Thread-safe.
func (s *Source) OverlappingOpens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openedWhileOpen
}

var _ audio.Source = (*Source)(nil)
