package discord

import (
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/ideaflow/pkg/audio"
)

// fakeDecoder returns 20 ms of 48 kHz stereo silence tagged with the first
// byte of the packet, so chunks can be traced back to their packets.
type fakeDecoder struct{}

func (fakeDecoder) decode(opus []byte) ([]byte, error) {
	if len(opus) == 0 {
		return nil, errors.New("empty packet")
	}
	pcm := make([]int16, opusFrameSize*opusChannels)
	for i := range pcm {
		pcm[i] = int16(opus[0])
	}
	return int16sToBytes(pcm), nil
}

func newTestSource(t *testing.T, opts ...Option) (*Source, chan *discordgo.Packet, *atomic.Int32) {
	t.Helper()
	recv := make(chan *discordgo.Packet, 32)
	var joins atomic.Int32
	s := New(&discordgo.Session{}, "guild-test", "voice-test", opts...)
	s.join = func() (*discordgo.VoiceConnection, error) {
		joins.Add(1)
		return &discordgo.VoiceConnection{OpusRecv: recv}, nil
	}
	s.disconnect = func(*discordgo.VoiceConnection) error { return nil }
	s.newDecoder = func() (frameDecoder, error) { return fakeDecoder{}, nil }
	t.Cleanup(func() { _ = s.Close() })
	return s, recv, &joins
}

func nextWithin(t *testing.T, st audio.Stream) ([]byte, error) {
	t.Helper()
	type result struct {
		chunk []byte
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := st.Next(t.Context())
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		return r.chunk, r.err
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return in time")
		return nil, nil
	}
}

func TestSource_ChunksFiveFramesPerChunk(t *testing.T) {
	t.Parallel()

	s, recv, _ := newTestSource(t)
	st, err := s.Open(t.Context())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for range 5 {
		recv <- &discordgo.Packet{SSRC: 1, Opus: []byte{7}}
	}

	chunk, err := nextWithin(t, st)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(chunk) != 3200 {
		t.Fatalf("chunk = %d bytes, want 3200", len(chunk))
	}
	if chunk[0] != 7 {
		t.Errorf("chunk sample = %d, want 7", chunk[0])
	}
}

func TestSource_SpeakerFilter(t *testing.T) {
	t.Parallel()

	s, recv, _ := newTestSource(t, WithSpeaker("user-a"))
	s.handleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "user-a", SSRC: 10, Speaking: true})
	s.handleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "user-b", SSRC: 20, Speaking: true})

	st, err := s.Open(t.Context())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for range 5 {
		recv <- &discordgo.Packet{SSRC: 20, Opus: []byte{2}}
		recv <- &discordgo.Packet{SSRC: 10, Opus: []byte{1}}
	}

	chunk, err := nextWithin(t, st)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	for i := 0; i < len(chunk); i += 2 {
		if chunk[i] != 1 {
			t.Fatalf("byte %d = %d, want only user-a audio", i, chunk[i])
		}
	}
}

func TestSource_ReopenReusesVoiceConnection(t *testing.T) {
	t.Parallel()

	s, _, joins := newTestSource(t)
	first, err := s.Open(t.Context())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	second, err := s.Open(t.Context())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()

	if got := joins.Load(); got != 1 {
		t.Errorf("joins = %d, want 1", got)
	}
	if _, err := first.Next(t.Context()); !errors.Is(err, audio.ErrStreamClosed) {
		t.Errorf("previous stream Next = %v, want ErrStreamClosed", err)
	}
}

func TestSource_RecvClosedIsEOF(t *testing.T) {
	t.Parallel()

	s, recv, _ := newTestSource(t)
	st, err := s.Open(t.Context())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	close(recv)

	if _, err := nextWithin(t, st); !errors.Is(err, io.EOF) {
		t.Fatalf("Next = %v, want io.EOF", err)
	}
}

func TestSource_CloseIdempotent(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestSource(t)
	if _, err := s.Open(t.Context()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := range 3 {
		if err := s.Close(); err != nil {
			t.Fatalf("Close[%d]: %v", i, err)
		}
	}
	if _, err := s.Open(t.Context()); err == nil {
		t.Fatal("Open after Close: expected error")
	}
}
