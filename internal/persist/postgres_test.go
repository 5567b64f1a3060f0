package persist

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type execCall struct {
	sql  string
	args []any
}

// mockDB records statements sent through the DB interface.
type mockDB struct {
	mu       sync.Mutex
	execs    []execCall
	batches  []*pgx.Batch
	batchErr error
	execErr  error
}

func (m *mockDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs = append(m.execs, execCall{sql: sql, args: args})
	return pgconn.CommandTag{}, m.execErr
}

func (m *mockDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("mockDB: Query not supported")
}

func (m *mockDB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, b)
	return &mockBatchResults{err: m.batchErr}
}

type mockBatchResults struct{ err error }

func (r *mockBatchResults) Exec() (pgconn.CommandTag, error) { return pgconn.CommandTag{}, r.err }
func (r *mockBatchResults) Query() (pgx.Rows, error)         { return nil, r.err }
func (r *mockBatchResults) QueryRow() pgx.Row                { return nil }
func (r *mockBatchResults) Close() error                     { return r.err }

func TestPostgres_MigrateAndBegin(t *testing.T) {
	t.Parallel()
	db := &mockDB{}
	p := NewPostgres(db, "session-1", "brick")

	if err := p.Migrate(t.Context()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := p.Begin(t.Context()); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if len(db.execs) != 2 {
		t.Fatalf("execs = %d, want 2", len(db.execs))
	}
	if !strings.Contains(db.execs[0].sql, "CREATE TABLE IF NOT EXISTS ideaflow_ideas") {
		t.Error("Migrate did not apply the schema")
	}
	if got := db.execs[1].args; len(got) != 2 || got[0] != "session-1" || got[1] != "brick" {
		t.Errorf("Begin args = %v", got)
	}
}

func TestPostgres_PersistQueuesOnlyNewIdeas(t *testing.T) {
	t.Parallel()
	db := &mockDB{}
	p := NewPostgres(db, "session-1", "brick")
	ctx := t.Context()

	_ = p.Persist(ctx, []string{"doorstop", "paperweight"})
	_ = p.Persist(ctx, []string{"doorstop", "paperweight"})
	_ = p.Persist(ctx, []string{"doorstop", "paperweight", "bookend"})

	if len(db.batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(db.batches))
	}
	if n := len(db.batches[0].QueuedQueries); n != 2 {
		t.Errorf("first batch = %d queries, want 2", n)
	}
	second := db.batches[1].QueuedQueries
	if len(second) != 1 {
		t.Fatalf("second batch = %d queries, want 1", len(second))
	}
	if args := second[0].Arguments; args[1] != 2 || args[2] != "bookend" {
		t.Errorf("second batch args = %v", args)
	}
}

func TestPostgres_FailedPersistIsRetried(t *testing.T) {
	t.Parallel()
	db := &mockDB{batchErr: errors.New("connection reset")}
	p := NewPostgres(db, "session-1", "brick")

	if err := p.Persist(t.Context(), []string{"doorstop"}); err == nil {
		t.Fatal("Persist succeeded on a failing batch")
	}
	db.batchErr = nil
	if err := p.Persist(t.Context(), []string{"doorstop"}); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if len(db.batches) != 2 {
		t.Errorf("batches = %d, want the idea sent again", len(db.batches))
	}
}

func TestPostgres_Archive(t *testing.T) {
	t.Parallel()
	db := &mockDB{}
	p := NewPostgres(db, "session-1", "brick")

	if err := p.Archive(t.Context(), []string{"a brick", "as a doorstop"}, []string{"doorstop"}); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if len(db.batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(db.batches))
	}
	qs := db.batches[0].QueuedQueries
	if len(qs) != 3 || !strings.Contains(qs[2].SQL, "finished_at = now()") {
		t.Errorf("archive batch = %d queries, last %q", len(qs), qs[len(qs)-1].SQL)
	}
	if err := p.Ping(t.Context()); err != nil {
		t.Errorf("Ping without pool: %v", err)
	}
}
