package persist

import (
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	return f.err
}

func TestNATS_PublishesSnapshots(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{}
	n := NewNATS(pub, "lab.room1", "session-1", "brick")
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return at }

	if err := n.Persist(t.Context(), []string{"doorstop", "paperweight"}); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if err := n.RecordTranscript(t.Context(), 3, "use it as a doorstop"); err != nil {
		t.Fatalf("RecordTranscript: %v", err)
	}

	if len(pub.msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(pub.msgs))
	}
	if pub.msgs[0].subject != "lab.room1.ideas" || pub.msgs[1].subject != "lab.room1.transcripts" {
		t.Errorf("subjects = %q, %q", pub.msgs[0].subject, pub.msgs[1].subject)
	}

	var snap IdeaSnapshot
	if err := json.Unmarshal(pub.msgs[0].data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.SessionID != "session-1" || snap.Item != "brick" || !snap.At.Equal(at) ||
		!slices.Equal(snap.Ideas, []string{"doorstop", "paperweight"}) {
		t.Errorf("snapshot = %+v", snap)
	}

	var ev TranscriptEvent
	if err := json.Unmarshal(pub.msgs[1].data, &ev); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if ev.Seq != 3 || ev.Text != "use it as a doorstop" {
		t.Errorf("transcript = %+v", ev)
	}
}

func TestNATS_DefaultsAndErrors(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	n := NewNATS(pub, "", "session-1", "brick")

	if n.IdeasSubject() != "ideaflow.ideas" {
		t.Errorf("IdeasSubject = %q", n.IdeasSubject())
	}
	if err := n.Persist(t.Context(), []string{"doorstop"}); err == nil {
		t.Error("Persist succeeded with a failing publisher")
	}
	if err := n.Ping(t.Context()); err != nil {
		t.Errorf("Ping without owned connection: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
