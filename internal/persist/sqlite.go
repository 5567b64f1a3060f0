package persist

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite keeps the session's ideas and transcripts in a local SQLite file.
type SQLite struct {
	db        *sql.DB
	sessionID string
	now       func() time.Time

	mu      sync.Mutex
	written int
}

var (
	_ Persister          = (*SQLite)(nil)
	_ TranscriptRecorder = (*SQLite)(nil)
)

// OpenSQLite opens (creating if needed) the database at path and registers
// session sessionID for item.
func OpenSQLite(ctx context.Context, path, sessionID, item string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("persist: sqlite: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("persist: sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("persist: sqlite: ping: %w", err)
	}

	s := &SQLite{db: db, sessionID: sessionID, now: time.Now}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("persist: sqlite: schema: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO sessions(id, item, started_at) VALUES(?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET item = excluded.item`,
		sessionID, item, timestamp(s.now())); err != nil {
		db.Close()
		return nil, fmt.Errorf("persist: sqlite: register session: %w", err)
	}
	return s, nil
}

// Name implements [Named].
func (s *SQLite) Name() string { return "sqlite" }

// Ping verifies the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Persist writes the ideas not yet stored. The list is append-only, so only
// positions past the last write are inserted.
func (s *SQLite) Persist(ctx context.Context, ideas []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(ideas) <= s.written {
		return nil
	}
	if err := s.upsertIdeas(ctx, ideas, s.written); err != nil {
		return err
	}
	s.written = len(ideas)
	return nil
}

func (s *SQLite) upsertIdeas(ctx context.Context, ideas []string, from int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persist: sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO ideas(session_id, position, text) VALUES(?, ?, ?)
		 ON CONFLICT(session_id, position) DO UPDATE SET text = excluded.text`)
	if err != nil {
		return fmt.Errorf("persist: sqlite: prepare: %w", err)
	}
	defer stmt.Close()

	for i := from; i < len(ideas); i++ {
		if _, err := stmt.ExecContext(ctx, s.sessionID, i, ideas[i]); err != nil {
			return fmt.Errorf("persist: sqlite: insert idea %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("persist: sqlite: commit: %w", err)
	}
	return nil
}

// RecordTranscript stores one final transcript.
func (s *SQLite) RecordTranscript(ctx context.Context, seq int, text string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts(session_id, seq, text) VALUES(?, ?, ?)
		 ON CONFLICT(session_id, seq) DO UPDATE SET text = excluded.text`,
		s.sessionID, seq, text); err != nil {
		return fmt.Errorf("persist: sqlite: record transcript: %w", err)
	}
	return nil
}

// Archive stores the final history and ideas and marks the session finished.
func (s *SQLite) Archive(ctx context.Context, history, ideas []string) error {
	for i, text := range history {
		if err := s.RecordTranscript(ctx, i+1, text); err != nil {
			return err
		}
	}
	s.mu.Lock()
	err := s.upsertIdeas(ctx, ideas, 0)
	if err == nil {
		s.written = len(ideas)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET finished_at = ? WHERE id = ?`,
		timestamp(s.now()), s.sessionID); err != nil {
		return fmt.Errorf("persist: sqlite: finish session: %w", err)
	}
	return nil
}

// Ideas returns the stored ideas of the session in order.
func (s *SQLite) Ideas(ctx context.Context) ([]string, error) {
	return s.column(ctx, `SELECT text FROM ideas WHERE session_id = ? ORDER BY position`)
}

// Transcripts returns the stored transcripts of the session in order.
func (s *SQLite) Transcripts(ctx context.Context) ([]string, error) {
	return s.column(ctx, `SELECT text FROM transcripts WHERE session_id = ? ORDER BY seq`)
}

// Finished reports whether the session was archived.
func (s *SQLite) Finished(ctx context.Context) (bool, error) {
	var finished sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT finished_at FROM sessions WHERE id = ?`, s.sessionID).Scan(&finished)
	if err != nil {
		return false, fmt.Errorf("persist: sqlite: query session: %w", err)
	}
	return finished.Valid, nil
}

func (s *SQLite) column(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, s.sessionID)
	if err != nil {
		return nil, fmt.Errorf("persist: sqlite: query: %w", err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("persist: sqlite: scan: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}
