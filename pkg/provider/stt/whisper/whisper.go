// Package whisper provides local whisper.cpp-backed STT providers.
//
// whisper.cpp is a batch engine, so both providers simulate streaming: a
// session buffers incoming PCM, segments it into utterances with an energy
// based silence detector and transcribes each completed utterance in one call.
// [Server] submits utterances to a running whisper-server over HTTP; [Native]
// runs inference in-process through the CGO bindings and is only available in
// binaries built with the "whisper" build tag.
//
// Sessions never expire, so a whisper session ends either cleanly (CloseSend,
// Close, context cancellation) or with the inference error that stopped it.
//
// Usage:
//
//	p, err := whisper.NewServer("http://localhost:8081",
//	    whisper.WithLanguage("en"),
//	    whisper.WithSilenceThreshold(500*time.Millisecond),
//	)
//	handle, err := p.StartStream(ctx, cfg)
//	handle.SendAudio(pcmChunk)
//	transcript := <-handle.Finals()
//	handle.Close()
package whisper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/ideaflow/pkg/provider/stt"
)

const (
	// bitsPerSample is fixed at 16 for the signed little-endian PCM whisper.cpp
	// expects.
	bitsPerSample = 16

	// defaultRMSThreshold is the RMS energy (16-bit PCM units) below which a
	// chunk counts as silence.
	defaultRMSThreshold = 300.0

	defaultLanguage         = "en"
	defaultSampleRate       = 16000
	defaultSilenceThreshold = 500 * time.Millisecond
	defaultMaxUtterance     = 10 * time.Second

	// flushTimeout bounds the inference of the last utterance once the
	// session is closed or told that no more audio follows.
	flushTimeout = 30 * time.Second
)

// ErrNativeUnavailable is returned by [NewNative] in binaries built without
// the "whisper" build tag.
var ErrNativeUnavailable = errors.New("whisper: native inference not compiled in (build with -tags whisper)")

var errClosed = errors.New("whisper: session is closed")

// Option configures a [Server] or [Native] provider.
type Option func(*options)

type options struct {
	model            string
	language         string
	sampleRate       int
	silenceThreshold time.Duration
	maxUtterance     time.Duration
	rmsThreshold     float64
	timeout          time.Duration
}

func defaultOptions() options {
	return options{
		language:         defaultLanguage,
		sampleRate:       defaultSampleRate,
		silenceThreshold: defaultSilenceThreshold,
		maxUtterance:     defaultMaxUtterance,
		rmsThreshold:     defaultRMSThreshold,
		timeout:          30 * time.Second,
	}
}

// WithModel sets the model name forwarded to whisper-server. Empty uses the
// model the server was started with. Ignored by [Native].
func WithModel(model string) Option {
	return func(o *options) { o.model = model }
}

// WithLanguage sets the recognition language. BCP-47 tags are reduced to
// their base language ("en-US" becomes "en"). Default: "en".
func WithLanguage(lang string) Option {
	return func(o *options) {
		if lang != "" {
			o.language = lang
		}
	}
}

// WithSampleRate sets the default sample rate in Hz used when the stream
// config leaves it unset. Default: 16000.
func WithSampleRate(rate int) Option {
	return func(o *options) {
		if rate > 0 {
			o.sampleRate = rate
		}
	}
}

// WithSilenceThreshold sets how much trailing silence ends an utterance.
// Default: 500ms.
func WithSilenceThreshold(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.silenceThreshold = d
		}
	}
}

// WithMaxUtterance caps how much speech is buffered before a transcription is
// forced regardless of silence. Default: 10s.
func WithMaxUtterance(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.maxUtterance = d
		}
	}
}

// WithRMSThreshold sets the energy level below which audio counts as silence.
func WithRMSThreshold(v float64) Option {
	return func(o *options) {
		if v > 0 {
			o.rmsThreshold = v
		}
	}
}

// WithTimeout bounds a single whisper-server request. Default: 30s. Ignored by
// [Native].
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// baseLanguage reduces a BCP-47 tag to the bare language code whisper uses.
func baseLanguage(tag string) string {
	base, _, _ := strings.Cut(tag, "-")
	return strings.ToLower(base)
}

// inferFunc transcribes one utterance of mono or interleaved 16-bit PCM.
type inferFunc func(ctx context.Context, pcm []byte) (string, error)

// segmenter tunes utterance detection for one session.
type segmenter struct {
	sampleRate       int
	channels         int
	silenceThreshold time.Duration
	maxUtterance     time.Duration
	rmsThreshold     float64
}

func (o options) streamSegmenter(cfg stt.StreamConfig) segmenter {
	sg := segmenter{
		sampleRate:       o.sampleRate,
		channels:         1,
		silenceThreshold: o.silenceThreshold,
		maxUtterance:     o.maxUtterance,
		rmsThreshold:     o.rmsThreshold,
	}
	if cfg.SampleRate > 0 {
		sg.sampleRate = cfg.SampleRate
	}
	if cfg.Channels > 0 {
		sg.channels = cfg.Channels
	}
	return sg
}

func (o options) streamLanguage(cfg stt.StreamConfig) string {
	if cfg.Language != "" {
		return baseLanguage(cfg.Language)
	}
	return baseLanguage(o.language)
}

// session is the shared stt.SessionHandle of both providers. All buffering
// state is confined to the loop goroutine.
type session struct {
	infer inferFunc
	seg   segmenter

	audio    chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	sendDone chan struct{}
	done     chan struct{}
	ended    chan struct{}
	sendOnce sync.Once
	once     sync.Once
	wg       sync.WaitGroup

	errMu sync.Mutex
	err   error

	// loop-owned
	buf     []byte
	speech  bool
	silence time.Duration
	start   time.Duration
	pos     time.Duration
}

var (
	_ stt.SessionHandle = (*session)(nil)
	_ stt.SendCloser    = (*session)(nil)
	_ stt.Drainer       = (*session)(nil)
)

func startSession(ctx context.Context, infer inferFunc, seg segmenter) *session {
	s := &session{
		infer:    infer,
		seg:      seg,
		audio:    make(chan []byte, 256),
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		sendDone: make(chan struct{}),
		done:     make(chan struct{}),
		ended:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop(ctx)
	return s
}

// SendAudio queues a PCM chunk for segmentation.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errClosed
	case <-s.sendDone:
		return errClosed
	case <-s.ended:
		return errClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errClosed
	case <-s.ended:
		return errClosed
	}
}

// Partials returns the channel of interim transcripts. Each utterance is
// announced here just before its final.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns the channel of final transcripts.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Err returns the inference error that ended the session, or nil.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// CloseSend stops accepting audio. Queued audio is segmented, the pending
// utterance is transcribed and the session ends.
func (s *session) CloseSend() error {
	s.sendOnce.Do(func() { close(s.sendDone) })
	return nil
}

// DrainTimeout reports how long the session may take to end after CloseSend.
// It leaves a second past flushTimeout for the session to report a timed out
// inference itself.
func (s *session) DrainTimeout() time.Duration { return flushTimeout + time.Second }

// Close terminates the session. A pending utterance is still transcribed but
// its result is dropped when nobody reads Finals.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *session) loop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.ended)
	defer close(s.partials)
	defer close(s.finals)

	for {
		select {
		case <-ctx.Done():
			s.flushDetached()
			return
		case <-s.done:
			s.flushDetached()
			return
		case <-s.sendDone:
			if err := s.drain(ctx); err != nil {
				s.fail(ctx, err)
			}
			return
		case chunk := <-s.audio:
			if err := s.process(ctx, chunk); err != nil {
				s.fail(ctx, err)
				return
			}
		}
	}
}

// drain transcribes the queued audio and the pending utterance within
// flushTimeout.
func (s *session) drain(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.process(ctx, chunk); err != nil {
				return err
			}
			continue
		default:
		}
		return s.flush(ctx, true)
	}
}

// process feeds one chunk through the silence detector and transcribes the
// utterance once it is complete.
func (s *session) process(ctx context.Context, chunk []byte) error {
	d := pcmDuration(len(chunk), s.seg.sampleRate, s.seg.channels)
	defer func() { s.pos += d }()

	if computeRMS(chunk) >= s.seg.rmsThreshold {
		if !s.speech {
			s.start = s.pos
		}
		s.speech = true
		s.silence = 0
		s.buf = append(s.buf, chunk...)
		if pcmDuration(len(s.buf), s.seg.sampleRate, s.seg.channels) >= s.seg.maxUtterance {
			return s.flush(ctx, true)
		}
		return nil
	}
	if !s.speech {
		return nil
	}
	s.silence += d
	s.buf = append(s.buf, chunk...)
	if s.silence >= s.seg.silenceThreshold {
		return s.flush(ctx, true)
	}
	return nil
}

// flush transcribes the buffered utterance. With block set the final waits
// for a reader; otherwise it is dropped when Finals is full.
func (s *session) flush(ctx context.Context, block bool) error {
	if !s.speech {
		s.reset()
		return nil
	}
	pcm, start := s.buf, s.start
	s.reset()

	text, err := s.infer(ctx, pcm)
	if err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	t := stt.Transcript{
		Text:      text,
		Timestamp: start,
		Duration:  pcmDuration(len(pcm), s.seg.sampleRate, s.seg.channels),
	}
	select {
	case s.partials <- t:
	default:
	}
	t.IsFinal = true
	if !block {
		select {
		case s.finals <- t:
		default:
			slog.Warn("whisper: dropping final transcript, nobody is reading", "text", text)
		}
		return nil
	}
	select {
	case s.finals <- t:
	case <-s.done:
	}
	return nil
}

func (s *session) flushDetached() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := s.flush(ctx, false); err != nil {
		slog.Warn("whisper: final utterance lost", "err", err)
	}
}

// fail records err as the end reason. Errors caused by the session context
// ending are a clean stop.
func (s *session) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	s.errMu.Lock()
	s.err = fmt.Errorf("whisper: %w", err)
	s.errMu.Unlock()
}

func (s *session) reset() {
	s.buf = nil
	s.speech = false
	s.silence = 0
}
