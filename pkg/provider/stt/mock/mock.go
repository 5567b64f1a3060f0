// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig and to hand out a scripted sequence of sessions. Use Session to
// feed controlled Transcript values, end the session with a chosen cause, and
// inspect which audio chunks were delivered.
//
// Example:
//
//	sess := mock.NewSession(8)
//	sess.FinalsCh <- stt.Transcript{Text: "use it as a doorstop", IsFinal: true}
//	sess.Finish(stt.ErrSessionExpired)
//	p := &mock.Provider{Sessions: []*mock.Session{sess}}
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/ideaflow/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Sessions are handed out by successive StartStream calls. Once exhausted,
	// StartStream returns a fresh open Session with buffered channels.
	Sessions []*Session

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	// Started records every session returned by StartStream, in order.
	Started []*Session

	// startedWhileOpen counts successful StartStream calls made while a
	// session handed out earlier was still open.
	startedWhileOpen int
}

// StartStream records the call and returns the next scripted session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	for _, prev := range p.Started {
		if !prev.Closed() {
			p.startedWhileOpen++
			break
		}
	}
	var s *Session
	if len(p.Sessions) > 0 {
		s, p.Sessions = p.Sessions[0], p.Sessions[1:]
	} else {
		s = NewSession(16)
	}
	p.Started = append(p.Started, s)
	return s, nil
}

// StartStreamCallCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) StartStreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// OverlappingStarts returns how many sessions were started while an earlier
// one had not been closed yet. Thread-safe.
func (p *Provider) OverlappingStarts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedWhileOpen
}

// StartedSessions returns a copy of the sessions handed out so far.
func (p *Provider) StartedSessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.Started))
	copy(out, p.Started)
	return out
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes that were passed to SendAudio.
	Chunk []byte
}

// Session is a mock implementation of stt.SessionHandle.
// Callers push Transcript values into PartialsCh and FinalsCh and end the
// session with Finish.
type Session struct {
	mu sync.Mutex

	// PartialsCh is the channel returned by Partials().
	PartialsCh chan stt.Transcript

	// FinalsCh is the channel returned by Finals().
	FinalsCh chan stt.Transcript

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	endErr     error
	finishOnce sync.Once
	closed     bool

	// --- Call records ---

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns a Session whose channels have the given buffer size.
func NewSession(buf int) *Session {
	return &Session{
		PartialsCh: make(chan stt.Transcript, buf),
		FinalsCh:   make(chan stt.Transcript, buf),
	}
}

// Finish ends the session: Err will report err and both channels are closed
// after any buffered transcripts. Subsequent calls are no-ops.
func (s *Session) Finish(err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.endErr = err
		s.mu.Unlock()
		close(s.PartialsCh)
		close(s.FinalsCh)
	})
}

// SendAudio records the call and returns SendAudioErr. Once the session is
// closed it returns an error.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock: session is closed")
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: cp})
	return s.SendAudioErr
}

// Partials returns PartialsCh.
func (s *Session) Partials() <-chan stt.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PartialsCh
}

// Finals returns FinalsCh.
func (s *Session) Finals() <-chan stt.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FinalsCh
}

// Err returns the cause passed to Finish.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endErr
}

// SendAudioCallCount returns the number of SendAudio calls. Thread-safe.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// Close records the call, ends the session cleanly if it has not ended yet,
// and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	s.closed = true
	closeErr := s.CloseErr
	s.mu.Unlock()
	s.Finish(nil)
	return closeErr
}

// Closed reports whether Close has been called at least once. Thread-safe.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount > 0
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
