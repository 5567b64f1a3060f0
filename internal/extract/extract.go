// Package extract turns the running transcript into candidate ideas and
// commits them to the shared idea store.
//
// An [Extractor] asks a collaborator (normally a language model, see
// [LLMExtractor]) for the ideas mentioned in the transcript. A [Worker] runs
// extraction rounds concurrently, bounded by a semaphore, and commits each
// round's candidates through the store's similarity filter before handing the
// updated idea list to the persisters.
package extract

import (
	"context"
	"errors"
)

// DefaultTaskItem is the object whose alternative uses are extracted.
const DefaultTaskItem = "brick"

var (
	// ErrExtraction wraps any failure of the extraction collaborator.
	ErrExtraction = errors.New("extract: extraction failed")

	// ErrMalformedResponse reports a collaborator reply without the
	// "New Ideas:" marker. Such replies yield no ideas.
	ErrMalformedResponse = errors.New("extract: malformed response")
)

// Result is the outcome of one extraction round.
type Result struct {
	// Ideas are the raw candidates in the order the collaborator listed them.
	// They have not been checked against the known ideas yet.
	Ideas []string

	// None is true when the collaborator explicitly reported no new ideas.
	None bool
}

// Extractor extracts candidate ideas from transcript text.
//
// known lists the ideas accepted so far; implementations may pass it on as a
// hint, but the caller filters candidates against the live list regardless.
// Implementations must be safe for concurrent use.
type Extractor interface {
	Extract(ctx context.Context, history string, known []string) (Result, error)
}

// ExtractorFunc adapts a plain function to [Extractor].
type ExtractorFunc func(ctx context.Context, history string, known []string) (Result, error)

// Extract calls f.
func (f ExtractorFunc) Extract(ctx context.Context, history string, known []string) (Result, error) {
	return f(ctx, history, known)
}
