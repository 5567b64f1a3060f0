package persist

import "time"

// Both SQL stores share one layout: a row per session, the idea list keyed by
// position and the transcript keyed by sequence number.
const (
	sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT PRIMARY KEY,
    item        TEXT NOT NULL,
    started_at  TEXT NOT NULL,
    finished_at TEXT
);
CREATE TABLE IF NOT EXISTS ideas (
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    position   INTEGER NOT NULL,
    text       TEXT NOT NULL,
    PRIMARY KEY (session_id, position)
);
CREATE TABLE IF NOT EXISTS transcripts (
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    seq        INTEGER NOT NULL,
    text       TEXT NOT NULL,
    PRIMARY KEY (session_id, seq)
);
`

	// PostgresSchema is the DDL applied by [Postgres.Migrate].
	PostgresSchema = `
CREATE TABLE IF NOT EXISTS ideaflow_sessions (
    id          TEXT PRIMARY KEY,
    item        TEXT NOT NULL,
    started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    finished_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS ideaflow_ideas (
    session_id TEXT NOT NULL REFERENCES ideaflow_sessions(id) ON DELETE CASCADE,
    position   INTEGER NOT NULL,
    text       TEXT NOT NULL,
    PRIMARY KEY (session_id, position)
);
CREATE TABLE IF NOT EXISTS ideaflow_transcripts (
    session_id TEXT NOT NULL REFERENCES ideaflow_sessions(id) ON DELETE CASCADE,
    seq        INTEGER NOT NULL,
    text       TEXT NOT NULL,
    PRIMARY KEY (session_id, seq)
);
`
)

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
