package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is the part of *nats.Conn used by [NATS].
type Publisher interface {
	Publish(subject string, data []byte) error
}

// IdeaSnapshot is the message published on <prefix>.ideas after every
// accepted batch.
type IdeaSnapshot struct {
	SessionID string    `json:"session_id"`
	Item      string    `json:"item"`
	Ideas     []string  `json:"ideas"`
	At        time.Time `json:"at"`
}

// TranscriptEvent is the message published on <prefix>.transcripts for every
// final transcript.
type TranscriptEvent struct {
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
}

// NATS publishes idea snapshots and transcripts for live displays.
type NATS struct {
	pub       Publisher
	conn      *nats.Conn
	prefix    string
	sessionID string
	item      string
	now       func() time.Time
}

var (
	_ Persister          = (*NATS)(nil)
	_ TranscriptRecorder = (*NATS)(nil)
)

// NewNATS returns a store publishing through pub under subject prefix.
func NewNATS(pub Publisher, prefix, sessionID, item string) *NATS {
	if prefix == "" {
		prefix = "ideaflow"
	}
	return &NATS{pub: pub, prefix: prefix, sessionID: sessionID, item: item, now: time.Now}
}

// ConnectNATS dials url and returns a store that owns the connection.
func ConnectNATS(url, prefix, sessionID, item string) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.Name("ideaflow"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("persist: nats: connect: %w", err)
	}
	n := NewNATS(conn, prefix, sessionID, item)
	n.conn = conn
	return n, nil
}

// Name implements [Named].
func (n *NATS) Name() string { return "nats" }

// IdeasSubject returns the subject idea snapshots are published on.
func (n *NATS) IdeasSubject() string { return n.prefix + ".ideas" }

// TranscriptsSubject returns the subject transcripts are published on.
func (n *NATS) TranscriptsSubject() string { return n.prefix + ".transcripts" }

// Persist publishes the full idea list.
func (n *NATS) Persist(_ context.Context, ideas []string) error {
	return n.publish(n.IdeasSubject(), IdeaSnapshot{
		SessionID: n.sessionID,
		Item:      n.item,
		Ideas:     ideas,
		At:        n.now().UTC(),
	})
}

// RecordTranscript publishes one final transcript.
func (n *NATS) RecordTranscript(_ context.Context, seq int, text string) error {
	return n.publish(n.TranscriptsSubject(), TranscriptEvent{
		SessionID: n.sessionID,
		Seq:       seq,
		Text:      text,
		At:        n.now().UTC(),
	})
}

func (n *NATS) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("persist: nats: marshal: %w", err)
	}
	if err := n.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("persist: nats: publish %s: %w", subject, err)
	}
	return nil
}

// Ping reports whether an owned connection is up.
func (n *NATS) Ping(_ context.Context) error {
	if n.conn == nil {
		return nil
	}
	if st := n.conn.Status(); st != nats.CONNECTED {
		return fmt.Errorf("persist: nats: connection %s", st)
	}
	return nil
}

// Close drains an owned connection so queued snapshots are delivered.
func (n *NATS) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}
