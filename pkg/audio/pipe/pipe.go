// Package pipe provides an [audio.Source] that reads raw s16le PCM from an
// [io.Reader], such as stdin fed by an external capture tool
// (`arecord -f S16_LE -r 16000 -c 1 -t raw`) or a pre-recorded file.
//
// The reader is drained by a single background goroutine that is shared by
// every stream opened from the Source, so reopening the source after a
// transcription restart continues where the previous stream left off. Chunks
// produced while no stream is open are buffered up to a fixed depth, after
// which the reader stops pulling from the feed until a stream catches up.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/ideaflow/pkg/audio"
)

// bufferedChunks is the number of chunks held while no stream is reading.
// At the default chunk size this is ten seconds of audio.
const bufferedChunks = 100

var _ audio.Source = (*Source)(nil)

// Option is a functional option for configuring a Source.
type Option func(*Source)

// WithInputFormat declares the format of the raw PCM on the reader.
// Defaults to 16 kHz mono.
func WithInputFormat(f audio.Format) Option {
	return func(s *Source) {
		s.input = f
	}
}

// WithTargetFormat sets the format delivered to callers. Defaults to 16 kHz mono.
func WithTargetFormat(f audio.Format) Option {
	return func(s *Source) {
		s.conv.Target = f
	}
}

// WithChunkDuration sets the duration of audio per chunk. Defaults to 100 ms.
func WithChunkDuration(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.chunk = d
		}
	}
}

// WithRealtime paces chunk delivery to wall-clock time, one chunk per chunk
// duration. Use it when replaying a file so that the recognition backend sees
// live-rate audio.
func WithRealtime(enabled bool) Option {
	return func(s *Source) {
		s.realtime = enabled
	}
}

// Source reads PCM chunks from an io.Reader. It is safe for concurrent use.
type Source struct {
	r        io.Reader
	input    audio.Format
	conv     audio.FormatConverter
	chunk    time.Duration
	realtime bool

	chunks    chan []byte
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once

	errMu   sync.Mutex
	readErr error
}

// New creates a Source reading from r. If r implements [io.Closer] it is
// closed by [Source.Close].
func New(r io.Reader, opts ...Option) *Source {
	def := audio.Format{SampleRate: audio.DefaultSampleRate, Channels: audio.DefaultChannels}
	s := &Source{
		r:      r,
		input:  def,
		conv:   audio.FormatConverter{Target: def},
		chunk:  audio.DefaultChunkDuration,
		chunks: make(chan []byte, bufferedChunks),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open opens path ("-" means stdin) and returns a Source reading from it.
func Open(path string, opts ...Option) (*Source, error) {
	if path == "" || path == "-" {
		return New(io.NopCloser(os.Stdin), opts...), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pipe: open %q: %w", path, err)
	}
	return New(f, opts...), nil
}

// Open implements [audio.Source]. The first call starts the background reader.
func (s *Source) Open(ctx context.Context) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-s.done:
		return nil, errors.New("pipe: source is closed")
	default:
	}
	s.startOnce.Do(func() { go s.readLoop() })
	return &stream{src: s, done: make(chan struct{})}, nil
}

// Close stops the background reader and closes the underlying reader when it
// is closable. Streams opened from the source report io.EOF once buffered
// chunks are drained.
func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if c, ok := s.r.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}

func (s *Source) readLoop() {
	defer close(s.chunks)

	buf := make([]byte, audio.ChunkBytes(s.input, s.chunk))
	var tick <-chan time.Time
	if s.realtime {
		t := time.NewTicker(s.chunk)
		defer t.Stop()
		tick = t.C
	}

	for {
		n, err := io.ReadFull(s.r, buf)
		if n > 0 {
			// A short final read is truncated to whole samples.
			pcm := s.conv.Convert(buf[:n-n%2], s.input)
			if len(pcm) > 0 {
				out := make([]byte, len(pcm))
				copy(out, pcm)
				if !s.deliver(out, tick) {
					return
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				err = io.EOF
			}
			if !errors.Is(err, io.EOF) {
				slog.Warn("pipe: read failed", "error", err)
			}
			s.setErr(err)
			return
		}
	}
}

func (s *Source) deliver(chunk []byte, tick <-chan time.Time) bool {
	if tick != nil {
		select {
		case <-tick:
		case <-s.done:
			return false
		}
	}
	select {
	case s.chunks <- chunk:
		return true
	case <-s.done:
		return false
	}
}

func (s *Source) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	s.readErr = err
}

func (s *Source) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.readErr == nil {
		return io.EOF
	}
	return s.readErr
}

type stream struct {
	src  *Source
	done chan struct{}
	once sync.Once
}

func (st *stream) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-st.done:
		return nil, audio.ErrStreamClosed
	default:
	}
	select {
	case chunk, ok := <-st.src.chunks:
		if !ok {
			return nil, st.src.err()
		}
		return chunk, nil
	case <-st.done:
		return nil, audio.ErrStreamClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (st *stream) Close() error {
	st.once.Do(func() { close(st.done) })
	return nil
}
