// Package ideas holds the shared state of an extraction run: the append-only
// transcript history and the deduplicated, insertion-ordered idea list.
//
// All mutations go through a single writer lock. In particular [Store.Commit]
// holds the lock across the whole filter-and-append of a batch, so batches
// produced by concurrent extraction tasks are applied one after another and
// never race each other past the similarity check. Readers always receive
// copies.
package ideas

import (
	"errors"
	"strings"
	"sync"
)

// ErrFrozen is returned by mutating calls once the store has been frozen.
var ErrFrozen = errors.New("ideas: store is frozen")

// Snapshot is a consistent copy of the store's contents.
type Snapshot struct {
	History []string
	Ideas   []string
}

// CommitResult reports how a batch of candidates was applied.
type CommitResult struct {
	// Accepted lists the candidates appended to the idea list, in order.
	Accepted []string
	// Rejected lists the candidates dropped as empty or similar to a known idea.
	Rejected []string
	// Total is the length of the idea list after the commit.
	Total int
}

// Store is the concurrency-safe idea and transcript state.
type Store struct {
	filter Filter

	mu      sync.RWMutex
	history []string
	ideas   []string
	frozen  bool
}

// NewStore returns an empty Store deduplicating with f.
func NewStore(f Filter) *Store {
	return &Store{filter: f}
}

// Filter returns the similarity filter the store applies on Commit.
func (s *Store) Filter() Filter { return s.filter }

// AppendTranscript appends one final transcript to the history and returns the
// new history length. Entries are never removed or rewritten.
func (s *Store) AppendTranscript(text string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return len(s.history), ErrFrozen
	}
	s.history = append(s.history, text)
	return len(s.history), nil
}

// History returns a copy of the transcript history.
func (s *Store) History() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.history)
}

// HistoryText joins the history with single spaces. A positive window limits
// the result to the last window entries; zero or negative means all of it.
func (s *Store) HistoryText(window int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.history
	if window > 0 && len(h) > window {
		h = h[len(h)-window:]
	}
	return strings.Join(h, " ")
}

// Ideas returns a copy of the accepted ideas in insertion order.
func (s *Store) Ideas() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.ideas)
}

// Snapshot returns a consistent copy of history and ideas.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{History: clone(s.history), Ideas: clone(s.ideas)}
}

// Commit applies candidates in order under the writer lock. Each candidate is
// trimmed and compared against the live idea list, including candidates
// accepted earlier in the same batch; similar or empty candidates are
// rejected, the rest are appended.
func (s *Store) Commit(candidates []string) (CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return CommitResult{Total: len(s.ideas)}, ErrFrozen
	}

	var res CommitResult
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if s.filter.IsSimilar(c, s.ideas) {
			if c != "" {
				res.Rejected = append(res.Rejected, c)
			}
			continue
		}
		s.ideas = append(s.ideas, c)
		res.Accepted = append(res.Accepted, c)
	}
	res.Total = len(s.ideas)
	return res, nil
}

// Freeze makes the store read-only. Further AppendTranscript and Commit calls
// return ErrFrozen. Freeze is idempotent.
func (s *Store) Freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = true
}

// Frozen reports whether Freeze has been called.
func (s *Store) Frozen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frozen
}

func clone(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
