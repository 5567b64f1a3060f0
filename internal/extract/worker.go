package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/ideaflow/internal/ideas"
	"github.com/MrWong99/ideaflow/internal/observe"
	"github.com/MrWong99/ideaflow/internal/persist"
)

const (
	// DefaultMaxConcurrent bounds the extraction rounds in flight.
	DefaultMaxConcurrent = 4

	// DefaultTimeout bounds one extraction round.
	DefaultTimeout = 30 * time.Second
)

// Worker runs extraction rounds against a shared [ideas.Store].
//
// Each round reads the transcript and the known ideas, asks the [Extractor]
// for candidates and commits them. Commit serialises batches under the store's
// writer lock, so concurrent rounds never accept two similar ideas. After an
// accepted batch the full idea list goes to the persister.
type Worker struct {
	ext       Extractor
	store     *ideas.Store
	persister persist.Persister
	metrics   *observe.Metrics

	sem     *semaphore.Weighted
	timeout time.Duration
	window  int

	wg sync.WaitGroup

	// persistMu orders persistence so the newest list is always written last.
	persistMu sync.Mutex
}

// WorkerOption configures a [Worker].
type WorkerOption func(*Worker)

// WithMaxConcurrent bounds the rounds in flight. Values below 1 are ignored.
func WithMaxConcurrent(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithTimeout bounds a single round.
func WithTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithHistoryWindow limits the prompt to the last n final transcripts. Zero
// sends the whole history.
func WithHistoryWindow(n int) WorkerOption {
	return func(w *Worker) { w.window = n }
}

// WithPersister sets where accepted idea lists are written.
func WithPersister(p persist.Persister) WorkerOption {
	return func(w *Worker) { w.persister = p }
}

// WithMetrics overrides the metrics sink. Default: observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// NewWorker returns a Worker extracting with ext into store.
func NewWorker(ext Extractor, store *ideas.Store, opts ...WorkerOption) *Worker {
	w := &Worker{
		ext:     ext,
		store:   store,
		sem:     semaphore.NewWeighted(DefaultMaxConcurrent),
		timeout: DefaultTimeout,
	}
	for _, o := range opts {
		o(w)
	}
	if w.metrics == nil {
		w.metrics = observe.DefaultMetrics()
	}
	return w
}

// Dispatch starts an extraction round in the background for the history as
// it stands now. final is the transcript that triggered the round and is only
// used for logging.
//
// Dispatch blocks while the concurrency limit is reached and returns ctx's
// error if ctx ends first. A started round is not tied to ctx: it runs to
// completion under its own timeout so that shutdown can wait for it with
// [Worker.Wait].
func (w *Worker) Dispatch(ctx context.Context, final string) error {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("extract: dispatch: %w", err)
	}
	w.wg.Add(1)
	w.metrics.ActiveExtractions.Add(ctx, 1)

	snap := w.snapshot()
	taskCtx := context.WithoutCancel(ctx)
	go func() {
		defer w.wg.Done()
		defer w.sem.Release(1)
		defer w.metrics.ActiveExtractions.Add(taskCtx, -1)

		res, err := w.process(taskCtx, snap.history, snap.known)
		if err != nil {
			return
		}
		if len(res.Accepted) > 0 {
			slog.Info("new ideas",
				"accepted", res.Accepted,
				"total", res.Total,
				"trigger", final,
			)
		}
	}()
	return nil
}

// Wait blocks until every dispatched round has finished.
func (w *Worker) Wait() {
	w.wg.Wait()
}

type roundInput struct {
	history string
	known   []string
}

func (w *Worker) snapshot() roundInput {
	return roundInput{
		history: w.store.HistoryText(w.window),
		known:   w.store.Ideas(),
	}
}

// Process runs one extraction round synchronously on the current history.
// Extraction failures are logged, counted and returned; they never change
// the store.
func (w *Worker) Process(ctx context.Context) (ideas.CommitResult, error) {
	snap := w.snapshot()
	return w.process(ctx, snap.history, snap.known)
}

func (w *Worker) process(ctx context.Context, history string, known []string) (res ideas.CommitResult, err error) {
	if strings.TrimSpace(history) == "" {
		return ideas.CommitResult{Total: len(known)}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	ctx, span := observe.StartRound(ctx, len(known))
	defer func() { observe.EndRound(span, len(res.Accepted), len(res.Rejected), err) }()

	start := time.Now()
	out, err := w.ext.Extract(ctx, history, known)
	w.metrics.ExtractionDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		reason := "provider"
		if errors.Is(err, ErrMalformedResponse) {
			reason = "malformed"
		}
		w.metrics.RecordExtractionError(ctx, reason)
		observe.Logger(ctx).Warn("extraction failed", "reason", reason, "error", err)
		return ideas.CommitResult{Total: len(known)}, err
	}
	if out.None || len(out.Ideas) == 0 {
		return ideas.CommitResult{Total: len(known)}, nil
	}

	res, err = w.store.Commit(out.Ideas)
	if err != nil {
		if errors.Is(err, ideas.ErrFrozen) {
			observe.Logger(ctx).Debug("store frozen, discarding extraction round", "candidates", out.Ideas)
		}
		return res, fmt.Errorf("extract: commit: %w", err)
	}
	w.metrics.RecordCommit(ctx, len(res.Accepted), len(res.Rejected))
	if len(res.Rejected) > 0 {
		slog.Debug("rejected similar ideas", "rejected", res.Rejected)
	}
	if len(res.Accepted) > 0 {
		w.persist(ctx)
	}
	return res, nil
}

// Flush writes the current idea list to the persister.
func (w *Worker) Flush(ctx context.Context) error {
	if w.persister == nil {
		return nil
	}
	w.persistMu.Lock()
	defer w.persistMu.Unlock()
	return w.persister.Persist(ctx, w.store.Ideas())
}

func (w *Worker) persist(ctx context.Context) {
	if err := w.Flush(ctx); err != nil {
		slog.Warn("persisting ideas failed", "error", err)
	}
}
