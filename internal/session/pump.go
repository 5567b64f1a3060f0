package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/ideaflow/pkg/audio"
	"github.com/MrWong99/ideaflow/pkg/provider/stt"
)

// DefaultDrainTimeout bounds how long [Pump] keeps reading results after the
// audio side stopped, waiting for the backend to report why it ended. Sessions
// implementing [stt.Drainer] get their own, longer budget after end of audio.
const DefaultDrainTimeout = 2 * time.Second

// Handler receives the transcript events of a session in the order the
// backend emitted them. Interim events have IsFinal unset.
type Handler func(ctx context.Context, t stt.Transcript)

// Pump connects stream to handle until one of them ends. It forwards every
// audio chunk to the recognition session and every transcript to h.
//
// The return value classifies the end of the session:
//
//   - nil: the audio feed was exhausted and the backend finished cleanly.
//   - ctx.Err(): ctx was cancelled.
//   - an error wrapping [stt.ErrSessionExpired]: the backend hit its
//     maximum stream duration.
//   - any other error: transport or capture failure.
//
// Both stream and handle are closed before Pump returns, on every path.
func Pump(ctx context.Context, stream audio.Stream, handle stt.SessionHandle, h Handler) error {
	return pump(ctx, stream, handle, h, DefaultDrainTimeout)
}

func pump(ctx context.Context, stream audio.Stream, handle stt.SessionHandle, h Handler, drain time.Duration) error {
	actx, cancel := context.WithCancel(ctx)
	audioDone := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		audioDone <- sendAudio(actx, stream, handle)
	}()
	defer func() {
		cancel()
		_ = stream.Close()
		wg.Wait()
		if err := handle.Close(); err != nil {
			slog.Debug("closing recognition session", "error", err)
		}
	}()

	partials, finals := handle.Partials(), handle.Finals()
	var (
		grace    <-chan time.Time
		sendErr  error
		flushing bool
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			t.IsFinal = false
			h(ctx, t)

		case t, ok := <-finals:
			if !ok {
				if err := handle.Err(); err != nil {
					return err
				}
				return sendErr
			}
			t.IsFinal = true
			h(ctx, t)

		case err := <-audioDone:
			audioDone = nil
			if errors.Is(err, io.EOF) {
				sc, ok := handle.(stt.SendCloser)
				if !ok {
					return nil
				}
				if cerr := sc.CloseSend(); cerr != nil {
					slog.Debug("closing audio direction failed", "error", cerr)
					return nil
				}
				flushing = true
				grace = time.After(drainBudget(handle, drain))
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			sendErr = err
			grace = time.After(drain)

		case <-grace:
			if err := handle.Err(); err != nil {
				return err
			}
			if flushing {
				slog.Warn("recognition session did not finish after end of audio, closing it")
			}
			return sendErr
		}
	}
}

// drainBudget is how long to wait for handle to end after CloseSend: the
// session's own budget when it reports one, but never less than def.
func drainBudget(handle stt.SessionHandle, def time.Duration) time.Duration {
	if d, ok := handle.(stt.Drainer); ok && d.DrainTimeout() > def {
		return d.DrainTimeout()
	}
	return def
}

// sendAudio forwards chunks until the stream ends, ctx is cancelled or the
// session refuses audio. It returns io.EOF for an exhausted stream.
func sendAudio(ctx context.Context, stream audio.Stream, handle stt.SessionHandle) error {
	for {
		chunk, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return fmt.Errorf("session: read audio: %w", err)
		}
		if len(chunk) == 0 {
			continue
		}
		if err := handle.SendAudio(chunk); err != nil {
			return fmt.Errorf("session: send audio: %w", err)
		}
	}
}
