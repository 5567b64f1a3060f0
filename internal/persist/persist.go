// Package persist writes the growing idea list, and optionally the transcript,
// to durable stores for downstream consumers.
//
// Every store implements [Persister] and receives the complete idea list after
// each accepted batch, so a store only ever needs to mirror the latest list.
// Stores that also keep transcripts implement [TranscriptRecorder]. [Multi]
// fans calls out to several stores and isolates their failures from each
// other.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/ideaflow/internal/observe"
)

// Persister stores the current idea list. ideas is the full, ordered list and
// must not be retained after Persist returns.
type Persister interface {
	Persist(ctx context.Context, ideas []string) error
}

// TranscriptRecorder stores final transcripts. seq is the 1-based position of
// text in the session history.
type TranscriptRecorder interface {
	RecordTranscript(ctx context.Context, seq int, text string) error
}

// Named is implemented by stores that report a label for logs and metrics.
type Named interface {
	Name() string
}

func nameOf(v any) string {
	if n, ok := v.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", v)
}

// Multi fans out to several stores. A failing store does not prevent the
// others from being written; all failures are joined into the returned error.
type Multi struct {
	stores  []Persister
	metrics *observe.Metrics
}

var (
	_ Persister          = (*Multi)(nil)
	_ TranscriptRecorder = (*Multi)(nil)
)

// NewMulti returns a Multi over stores. A nil metrics uses
// observe.DefaultMetrics.
func NewMulti(metrics *observe.Metrics, stores ...Persister) *Multi {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Multi{stores: stores, metrics: metrics}
}

// Len returns the number of stores.
func (m *Multi) Len() int { return len(m.stores) }

// Persist writes ideas to every store.
func (m *Multi) Persist(ctx context.Context, ideas []string) error {
	var errs []error
	for _, s := range m.stores {
		if err := s.Persist(ctx, ideas); err != nil {
			errs = append(errs, m.fail(ctx, s, "persist", err))
		}
	}
	return errors.Join(errs...)
}

// RecordTranscript forwards text to every store that records transcripts.
func (m *Multi) RecordTranscript(ctx context.Context, seq int, text string) error {
	var errs []error
	for _, s := range m.stores {
		r, ok := s.(TranscriptRecorder)
		if !ok {
			continue
		}
		if err := r.RecordTranscript(ctx, seq, text); err != nil {
			errs = append(errs, m.fail(ctx, s, "record transcript", err))
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) fail(ctx context.Context, s Persister, op string, err error) error {
	name := nameOf(s)
	m.metrics.RecordPersistError(ctx, name)
	slog.Warn("persist: store failed", "store", name, "op", op, "error", err)
	return fmt.Errorf("persist: %s: %s: %w", name, op, err)
}
