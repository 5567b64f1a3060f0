package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/ideaflow/internal/archive"
	"github.com/MrWong99/ideaflow/internal/ideas"
	"github.com/MrWong99/ideaflow/internal/observe"
	"github.com/MrWong99/ideaflow/internal/persist"
	"github.com/MrWong99/ideaflow/pkg/audio"
	"github.com/MrWong99/ideaflow/pkg/provider/stt"
)

// Default restart parameters.
const (
	defaultReopenRetries = 3
	defaultBackoff       = 500 * time.Millisecond
	defaultMaxBackoff    = 5 * time.Second
	defaultFlushTimeout  = 30 * time.Second
)

// Extraction is the part of the extraction worker the controller drives.
// *extract.Worker implements it.
type Extraction interface {
	// Dispatch starts an extraction round for the current history.
	Dispatch(ctx context.Context, final string) error
	// Wait blocks until every dispatched round has finished.
	Wait()
	// Flush persists the current idea list.
	Flush(ctx context.Context) error
}

// Config configures a [Controller].
type Config struct {
	// Source is opened once per recognition session. Required.
	Source audio.Source

	// STT opens recognition sessions. Required.
	STT stt.Provider

	// Stream is passed to every StartStream call.
	Stream stt.StreamConfig

	// Store accumulates history and ideas. Required.
	Store *ideas.Store

	// Extraction receives a round per final transcript. Required.
	Extraction Extraction

	// Recorder, when set, receives every final transcript with its position
	// in the history. Writes happen in order on a separate goroutine.
	Recorder persist.TranscriptRecorder

	// RecordQueue bounds the transcripts waiting for Recorder. When it is
	// full further transcripts are only archived. Defaults to 256.
	RecordQueue int

	// Archiver is called once when the session terminates. May be nil.
	Archiver archive.Archiver

	// Metrics records transcripts and restarts. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// MaxRestarts bounds the number of expiry restarts. Zero means unlimited.
	MaxRestarts int

	// ReopenRetries is how often opening a fresh pair is retried after a
	// restart before giving up. Defaults to 3. Negative disables retries.
	ReopenRetries int

	// Backoff is the initial wait between reopen attempts. Doubles each
	// attempt up to MaxBackoff. Defaults to 500ms.
	Backoff time.Duration

	// MaxBackoff is the upper limit on Backoff. Defaults to 5s.
	MaxBackoff time.Duration

	// FlushTimeout bounds the final flush and archive. Defaults to 30s.
	FlushTimeout time.Duration

	// OnStateChange is called synchronously on every transition. May be nil.
	OnStateChange func(from, to State)
}

// Controller runs the listening state machine:
//
//	Listening -> Restarting -> Listening ... -> Terminating -> Terminated
//
// Expiry of the recognition session leads to Restarting and never touches the
// accumulated history or ideas. Audio exhaustion, cancellation and every
// other error lead to Terminating.
type Controller struct {
	cfg     Config
	metrics *observe.Metrics

	state    atomic.Int32
	ran      atomic.Bool
	restarts atomic.Int64
	stateMu  sync.Mutex
	archived sync.Once

	records *recordQueue
}

// New returns a Controller for cfg.
func New(cfg Config) *Controller {
	if cfg.ReopenRetries == 0 {
		cfg.ReopenRetries = defaultReopenRetries
	}
	if cfg.ReopenRetries < 0 {
		cfg.ReopenRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}
	if cfg.RecordQueue <= 0 {
		cfg.RecordQueue = defaultRecordQueue
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Controller{cfg: cfg, metrics: m}
}

// State returns the current state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Restarts returns how many times the recognition session was replaced.
func (c *Controller) Restarts() int {
	return int(c.restarts.Load())
}

// Run listens until ctx is cancelled, the audio feed ends or a transcription
// failure occurs, then shuts the session down and archives it. It returns nil
// for cancellation and a clean end, and an error wrapping
// [ErrTranscriptionFailure] otherwise. Run may be called only once.
func (c *Controller) Run(ctx context.Context) error {
	if !c.ran.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}
	if c.cfg.Recorder != nil {
		c.records = startRecordQueue(ctx, c.cfg.Recorder, c.cfg.RecordQueue)
	}
	err := c.listen(ctx)
	c.terminate(ctx)
	return err
}

func (c *Controller) listen(ctx context.Context) error {
	c.setState(Listening)
	stream, handle, err := c.open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: %w", ErrTranscriptionFailure, err)
	}

	for {
		err := Pump(ctx, stream, handle, c.route)
		switch {
		case ctx.Err() != nil:
			slog.Info("session cancelled", "restarts", c.Restarts())
			return nil
		case err == nil:
			slog.Info("audio feed ended", "restarts", c.Restarts())
			return nil
		case !stt.IsSessionExpired(err):
			slog.Error("transcription failed", "error", err)
			return fmt.Errorf("%w: %w", ErrTranscriptionFailure, err)
		}

		if limit := c.cfg.MaxRestarts; limit > 0 && c.Restarts() >= limit {
			return fmt.Errorf("%w: restart limit of %d reached: %w", ErrTranscriptionFailure, limit, err)
		}
		c.setState(Restarting)
		n := c.restarts.Add(1)
		c.metrics.SessionRestarts.Add(ctx, 1)
		slog.Info("recognition session expired, restarting", "restart", n)

		stream, handle, err = c.reopen(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: reopen after expiry: %w", ErrTranscriptionFailure, err)
		}
		c.setState(Listening)
	}
}

// open acquires a fresh audio stream and recognition session. On failure
// nothing stays open.
func (c *Controller) open(ctx context.Context) (audio.Stream, stt.SessionHandle, error) {
	stream, err := c.cfg.Source.Open(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open audio: %w", err)
	}
	handle, err := c.cfg.STT.StartStream(ctx, c.cfg.Stream)
	if err != nil {
		_ = stream.Close()
		return nil, nil, fmt.Errorf("start recognition: %w", err)
	}
	return stream, handle, nil
}

// reopen retries open with exponential backoff.
func (c *Controller) reopen(ctx context.Context) (audio.Stream, stt.SessionHandle, error) {
	backoff := c.cfg.Backoff
	for attempt := 0; ; attempt++ {
		stream, handle, err := c.open(ctx)
		if err == nil {
			return stream, handle, nil
		}
		if attempt >= c.cfg.ReopenRetries || ctx.Err() != nil {
			return nil, nil, err
		}
		slog.Warn("reopening session failed",
			"attempt", attempt+1,
			"max_retries", c.cfg.ReopenRetries,
			"backoff", backoff,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.cfg.MaxBackoff)
	}
}

// route handles one transcript event.
func (c *Controller) route(ctx context.Context, t stt.Transcript) {
	c.metrics.RecordTranscript(ctx, t.IsFinal)
	if !t.IsFinal {
		slog.Debug("interim transcript", "text", t.Text)
		return
	}
	text := strings.TrimSpace(t.Text)
	if text == "" {
		return
	}
	seq, err := c.cfg.Store.AppendTranscript(text)
	if err != nil {
		slog.Warn("dropping transcript", "error", err)
		return
	}
	slog.Info("final transcript", "seq", seq, "text", text)
	if c.records != nil && !c.records.push(seq, text) {
		slog.Warn("transcript recorder backlog full, leaving transcript to the archive", "seq", seq)
	}
	if err := c.cfg.Extraction.Dispatch(ctx, text); err != nil {
		slog.Warn("extraction not dispatched", "seq", seq, "error", err)
	}
}

// terminate waits for in-flight extraction, flushes, freezes the store and
// archives. It runs on a context detached from ctx's cancellation.
func (c *Controller) terminate(ctx context.Context) {
	c.setState(Terminating)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FlushTimeout)
	defer cancel()

	c.cfg.Extraction.Wait()
	if err := c.cfg.Extraction.Flush(ctx); err != nil {
		slog.Warn("final flush failed", "error", err)
	}
	if c.records != nil {
		if err := c.records.close(ctx); err != nil {
			slog.Warn("transcript recorder did not catch up", "error", err)
		}
	}
	c.cfg.Store.Freeze()

	c.archived.Do(func() {
		if c.cfg.Archiver == nil {
			return
		}
		history, list := c.cfg.Store.History(), c.cfg.Store.Ideas()
		if err := c.cfg.Archiver.Archive(ctx, history, list); err != nil {
			c.metrics.RecordPersistError(ctx, "archive")
			slog.Error("archiving session failed", "error", err)
			return
		}
		slog.Info("session archived", "transcripts", len(history), "ideas", len(list))
	})
	c.setState(Terminated)
}

func (c *Controller) setState(to State) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	from := State(c.state.Swap(int32(to)))
	if from == to {
		return
	}
	slog.Debug("session state changed", "from", from, "to", to)
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(from, to)
	}
}
