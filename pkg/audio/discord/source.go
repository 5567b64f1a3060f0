// Package discord provides an [audio.Source] backed by a Discord voice channel
// via the bwmarrin/discordgo library. It bridges Discord's Opus voice transport
// to the 16 kHz mono PCM chunks consumed by the recognition backends.
//
// The source requires an active *discordgo.Session (owned by the caller), a
// guild ID and a voice channel ID. The channel is joined lazily on the first
// [Source.Open] and the voice connection is reused across streams, so a
// transcription restart does not leave and rejoin the channel.
//
// When a speaker user ID is configured, only that user's audio is delivered;
// SSRCs are mapped to user IDs from Discord's speaking updates. Without a
// speaker filter the frames of every participant are delivered interleaved in
// arrival order.
package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/ideaflow/pkg/audio"
)

var _ audio.Source = (*Source)(nil)

const chunkChannelBuffer = 64

// Option is a functional option for configuring a Source.
type Option func(*Source)

// WithSpeaker restricts the source to the audio of a single Discord user.
func WithSpeaker(userID string) Option {
	return func(s *Source) {
		s.speakerID = userID
	}
}

// WithChunkDuration sets the duration of audio per delivered chunk.
// Defaults to 100 ms.
func WithChunkDuration(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.chunk = d
		}
	}
}

// Source implements [audio.Source] on top of a discordgo voice connection.
//
// Source is safe for concurrent use.
type Source struct {
	session   *discordgo.Session
	guildID   string
	channelID string
	speakerID string
	chunk     time.Duration
	target    audio.Format

	mu     sync.Mutex
	vc     *discordgo.VoiceConnection
	active *stream
	closed bool

	ssrcMu   sync.RWMutex
	ssrcUser map[uint32]string

	// join and disconnect default to the discordgo calls; overridden in tests.
	join       func() (*discordgo.VoiceConnection, error)
	disconnect func(*discordgo.VoiceConnection) error
	newDecoder func() (frameDecoder, error)
}

// New creates a Source for the given voice channel.
func New(session *discordgo.Session, guildID, channelID string, opts ...Option) *Source {
	s := &Source{
		session:    session,
		guildID:    guildID,
		channelID:  channelID,
		chunk:      audio.DefaultChunkDuration,
		target:     audio.Format{SampleRate: audio.DefaultSampleRate, Channels: audio.DefaultChannels},
		ssrcUser:   make(map[uint32]string),
		newDecoder: newOpusDecoder,
	}
	s.join = func() (*discordgo.VoiceConnection, error) {
		// mute=true (we never send audio), deaf=false (we receive audio).
		return s.session.ChannelVoiceJoin(s.guildID, s.channelID, true, false)
	}
	s.disconnect = func(vc *discordgo.VoiceConnection) error { return vc.Disconnect() }
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open implements [audio.Source]. Any previously opened stream is closed, so
// at most one stream consumes the voice connection at a time.
func (s *Source) Open(ctx context.Context) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("discord: source is closed")
	}
	if s.vc == nil {
		vc, err := s.join()
		if err != nil {
			return nil, fmt.Errorf("discord: join voice channel %q: %w", s.channelID, err)
		}
		s.vc = vc
		vc.AddHandler(s.handleSpeakingUpdate)
		slog.Info("discord: joined voice channel", "guild", s.guildID, "channel", s.channelID)
	}
	if s.active != nil {
		_ = s.active.Close()
	}

	st := &stream{
		chunks: make(chan []byte, chunkChannelBuffer),
		done:   make(chan struct{}),
	}
	s.active = st
	go s.recvLoop(st, s.vc.OpusRecv)
	return st, nil
}

// Close closes the active stream and leaves the voice channel. It is safe to
// call more than once.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.active != nil {
		_ = s.active.Close()
		s.active = nil
	}
	if s.vc == nil {
		return nil
	}
	err := s.disconnect(s.vc)
	s.vc = nil
	if err != nil {
		return fmt.Errorf("discord: leave voice channel: %w", err)
	}
	return nil
}

func (s *Source) handleSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	s.ssrcMu.Lock()
	s.ssrcUser[uint32(vs.SSRC)] = vs.UserID
	s.ssrcMu.Unlock()
	slog.Debug("discord: speaking update", "user", vs.UserID, "ssrc", vs.SSRC, "speaking", vs.Speaking)
}

// accepts reports whether packets from ssrc belong to the configured speaker.
func (s *Source) accepts(ssrc uint32) bool {
	if s.speakerID == "" {
		return true
	}
	s.ssrcMu.RLock()
	defer s.ssrcMu.RUnlock()
	return s.ssrcUser[ssrc] == s.speakerID
}

// recvLoop reads Opus packets until the stream is closed or the voice
// connection stops delivering, decodes them per SSRC, converts them to the
// target format and re-slices them into fixed-size chunks.
func (s *Source) recvLoop(st *stream, recv <-chan *discordgo.Packet) {
	defer close(st.chunks)

	decoders := make(map[uint32]frameDecoder)
	conv := audio.FormatConverter{Target: s.target}
	chunker := audio.NewChunker(audio.ChunkBytes(s.target, s.chunk))

	for {
		select {
		case <-st.done:
			return
		case pkt, ok := <-recv:
			if !ok {
				if rest := chunker.Flush(); rest != nil {
					st.push(rest)
				}
				return
			}
			if pkt == nil || !s.accepts(pkt.SSRC) {
				continue
			}

			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				dec, err = s.newDecoder()
				if err != nil {
					slog.Error("discord: failed to create opus decoder", "ssrc", strconv.FormatUint(uint64(pkt.SSRC), 10), "error", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}

			pcm, err := dec.decode(pkt.Opus)
			if err != nil {
				slog.Warn("discord: opus decode error", "ssrc", pkt.SSRC, "error", err)
				continue
			}
			for _, chunk := range chunker.Write(conv.Convert(pcm, opusFormat)) {
				st.push(chunk)
			}
		}
	}
}

type stream struct {
	chunks chan []byte
	done   chan struct{}
	once   sync.Once
}

// push delivers chunk without blocking; a full buffer drops the chunk.
func (st *stream) push(chunk []byte) {
	select {
	case st.chunks <- chunk:
	case <-st.done:
	default:
		slog.Debug("discord: chunk buffer full, dropping chunk", "bytes", len(chunk))
	}
}

func (st *stream) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-st.done:
		return nil, audio.ErrStreamClosed
	default:
	}
	select {
	case chunk, ok := <-st.chunks:
		if !ok {
			select {
			case <-st.done:
				return nil, audio.ErrStreamClosed
			default:
				return nil, io.EOF
			}
		}
		return chunk, nil
	case <-st.done:
		return nil, audio.ErrStreamClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (st *stream) Close() error {
	st.once.Do(func() { close(st.done) })
	return nil
}
