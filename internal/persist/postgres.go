package persist

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of pgx used by [Postgres]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Postgres keeps the session's ideas and transcripts in PostgreSQL tables
// prefixed with ideaflow_ (see [PostgresSchema]).
type Postgres struct {
	db        DB
	pool      *pgxpool.Pool
	sessionID string
	item      string

	mu      sync.Mutex
	written int
}

var (
	_ Persister          = (*Postgres)(nil)
	_ TranscriptRecorder = (*Postgres)(nil)
)

// NewPostgres returns a store over db for session sessionID. Call Migrate and
// Begin before use.
func NewPostgres(db DB, sessionID, item string) *Postgres {
	return &Postgres{db: db, sessionID: sessionID, item: item}
}

// OpenPostgres connects a pool to dsn, applies the schema and registers the
// session.
func OpenPostgres(ctx context.Context, dsn, sessionID, item string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("persist: postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("persist: postgres: ping: %w", err)
	}
	p := NewPostgres(pool, sessionID, item)
	p.pool = pool
	if err := p.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := p.Begin(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// Migrate applies [PostgresSchema].
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("persist: postgres: migrate: %w", err)
	}
	return nil
}

// Begin registers the session row.
func (p *Postgres) Begin(ctx context.Context) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO ideaflow_sessions (id, item) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET item = EXCLUDED.item`,
		p.sessionID, p.item)
	if err != nil {
		return fmt.Errorf("persist: postgres: register session: %w", err)
	}
	return nil
}

// Name implements [Named].
func (p *Postgres) Name() string { return "postgres" }

// Ping verifies the pool is reachable. Stores built on a bare DB report
// healthy.
func (p *Postgres) Ping(ctx context.Context) error {
	if p.pool == nil {
		return nil
	}
	return p.pool.Ping(ctx)
}

// Persist inserts the ideas past the last stored position in one batch.
func (p *Postgres) Persist(ctx context.Context, ideas []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(ideas) <= p.written {
		return nil
	}
	if err := p.upsertIdeas(ctx, ideas, p.written); err != nil {
		return err
	}
	p.written = len(ideas)
	return nil
}

func (p *Postgres) upsertIdeas(ctx context.Context, ideas []string, from int) error {
	batch := &pgx.Batch{}
	for i := from; i < len(ideas); i++ {
		batch.Queue(
			`INSERT INTO ideaflow_ideas (session_id, position, text) VALUES ($1, $2, $3)
			 ON CONFLICT (session_id, position) DO UPDATE SET text = EXCLUDED.text`,
			p.sessionID, i, ideas[i])
	}
	if err := p.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("persist: postgres: insert ideas: %w", err)
	}
	return nil
}

// RecordTranscript stores one final transcript.
func (p *Postgres) RecordTranscript(ctx context.Context, seq int, text string) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO ideaflow_transcripts (session_id, seq, text) VALUES ($1, $2, $3)
		 ON CONFLICT (session_id, seq) DO UPDATE SET text = EXCLUDED.text`,
		p.sessionID, seq, text)
	if err != nil {
		return fmt.Errorf("persist: postgres: record transcript: %w", err)
	}
	return nil
}

// Archive stores the final history and ideas and marks the session finished.
func (p *Postgres) Archive(ctx context.Context, history, ideas []string) error {
	batch := &pgx.Batch{}
	for i, text := range history {
		batch.Queue(
			`INSERT INTO ideaflow_transcripts (session_id, seq, text) VALUES ($1, $2, $3)
			 ON CONFLICT (session_id, seq) DO UPDATE SET text = EXCLUDED.text`,
			p.sessionID, i+1, text)
	}
	batch.Queue(`UPDATE ideaflow_sessions SET finished_at = now() WHERE id = $1`, p.sessionID)
	if err := p.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("persist: postgres: archive: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(ideas) == 0 {
		return nil
	}
	if err := p.upsertIdeas(ctx, ideas, 0); err != nil {
		return err
	}
	p.written = len(ideas)
	return nil
}

// Ideas returns the stored ideas of the session in order.
func (p *Postgres) Ideas(ctx context.Context) ([]string, error) {
	rows, err := p.db.Query(ctx,
		`SELECT text FROM ideaflow_ideas WHERE session_id = $1 ORDER BY position`, p.sessionID)
	if err != nil {
		return nil, fmt.Errorf("persist: postgres: query ideas: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("persist: postgres: scan ideas: %w", err)
	}
	return out, nil
}

// Close releases the pool if the store opened it.
func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}
