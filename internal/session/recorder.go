package session

import (
	"context"
	"log/slog"

	"github.com/MrWong99/ideaflow/internal/persist"
)

// defaultRecordQueue bounds the final transcripts waiting to be recorded.
const defaultRecordQueue = 256

type record struct {
	seq  int
	text string
}

// recordQueue writes final transcripts to a recorder on its own goroutine, in
// arrival order, so slow stores never hold up the audio pump.
type recordQueue struct {
	rec    persist.TranscriptRecorder
	ch     chan record
	done   chan struct{}
	cancel context.CancelFunc
}

func startRecordQueue(ctx context.Context, rec persist.TranscriptRecorder, size int) *recordQueue {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q := &recordQueue{
		rec:    rec,
		ch:     make(chan record, size),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go q.run(ctx)
	return q
}

func (q *recordQueue) run(ctx context.Context) {
	defer close(q.done)
	for r := range q.ch {
		if err := q.rec.RecordTranscript(ctx, r.seq, r.text); err != nil {
			slog.Warn("recording transcript failed", "seq", r.seq, "error", err)
		}
	}
}

// push queues a transcript without blocking. It reports false when the
// backlog is full; the transcript is still in the history the archivers
// receive.
func (q *recordQueue) push(seq int, text string) bool {
	select {
	case q.ch <- record{seq: seq, text: text}:
		return true
	default:
		return false
	}
}

// close stops accepting transcripts and waits for the backlog to be written.
// When ctx ends first the pending writes are cancelled. push must not be
// called after close.
func (q *recordQueue) close(ctx context.Context) error {
	close(q.ch)
	defer q.cancel()
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
