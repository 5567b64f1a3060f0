package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the part of *redis.Client used by [Redis].
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	RPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Redis mirrors the session into Redis for dashboards:
//
//	<prefix><session>              hash: item, started_at, finished_at, counts
//	<prefix><session>:ideas        list of accepted ideas in order
//	<prefix><session>:transcripts  list of final transcripts in order
//
// Every accepted batch is also published as an [IdeaSnapshot] on
// <prefix>ideas.
type Redis struct {
	client    RedisClient
	owned     *redis.Client
	prefix    string
	sessionID string
	item      string
	now       func() time.Time

	mu      sync.Mutex
	written int
}

var (
	_ Persister          = (*Redis)(nil)
	_ TranscriptRecorder = (*Redis)(nil)
)

// NewRedis returns a store writing through client.
func NewRedis(client RedisClient, prefix, sessionID, item string) *Redis {
	return &Redis{client: client, prefix: prefix, sessionID: sessionID, item: item, now: time.Now}
}

// OpenRedis connects to url (redis://[user:pass@]host:port/db), checks the
// connection and registers the session.
func OpenRedis(ctx context.Context, url, prefix, sessionID, item string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("persist: redis: parse url: %w", err)
	}
	client := redis.NewClient(opt)
	r := NewRedis(client, prefix, sessionID, item)
	r.owned = client
	if err := r.Ping(ctx); err != nil {
		client.Close()
		return nil, err
	}
	if err := r.Begin(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return r, nil
}

// Name implements [Named].
func (r *Redis) Name() string { return "redis" }

func (r *Redis) sessionKey() string     { return r.prefix + r.sessionID }
func (r *Redis) ideasKey() string       { return r.sessionKey() + ":ideas" }
func (r *Redis) transcriptsKey() string { return r.sessionKey() + ":transcripts" }

// Channel returns the pub/sub channel idea snapshots are published on.
func (r *Redis) Channel() string { return r.prefix + "ideas" }

// Begin writes the session hash.
func (r *Redis) Begin(ctx context.Context) error {
	err := r.client.HSet(ctx, r.sessionKey(),
		"item", r.item,
		"started_at", timestamp(r.now()),
	).Err()
	if err != nil {
		return fmt.Errorf("persist: redis: HSET %s: %w", r.sessionKey(), err)
	}
	return nil
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("persist: redis: ping: %w", err)
	}
	return nil
}

// Persist appends the ideas not yet stored and publishes a snapshot.
func (r *Redis) Persist(ctx context.Context, ideas []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(ideas) <= r.written {
		return nil
	}
	fresh := make([]any, 0, len(ideas)-r.written)
	for _, idea := range ideas[r.written:] {
		fresh = append(fresh, idea)
	}
	if err := r.client.RPush(ctx, r.ideasKey(), fresh...).Err(); err != nil {
		return fmt.Errorf("persist: redis: RPUSH %s: %w", r.ideasKey(), err)
	}
	r.written = len(ideas)

	data, err := json.Marshal(IdeaSnapshot{
		SessionID: r.sessionID,
		Item:      r.item,
		Ideas:     ideas,
		At:        r.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("persist: redis: marshal: %w", err)
	}
	if err := r.client.Publish(ctx, r.Channel(), data).Err(); err != nil {
		return fmt.Errorf("persist: redis: PUBLISH %s: %w", r.Channel(), err)
	}
	return nil
}

// RecordTranscript appends one final transcript. Transcripts arrive in seq
// order, so seq is implied by the list position.
func (r *Redis) RecordTranscript(ctx context.Context, _ int, text string) error {
	if err := r.client.RPush(ctx, r.transcriptsKey(), text).Err(); err != nil {
		return fmt.Errorf("persist: redis: RPUSH %s: %w", r.transcriptsKey(), err)
	}
	return nil
}

// Archive stores any ideas still missing and marks the session finished.
func (r *Redis) Archive(ctx context.Context, history, ideas []string) error {
	if err := r.Persist(ctx, ideas); err != nil {
		return err
	}
	err := r.client.HSet(ctx, r.sessionKey(),
		"finished_at", timestamp(r.now()),
		"ideas", len(ideas),
		"transcripts", len(history),
	).Err()
	if err != nil {
		return fmt.Errorf("persist: redis: HSET %s: %w", r.sessionKey(), err)
	}
	return nil
}

// Ideas returns the stored ideas of the session in order.
func (r *Redis) Ideas(ctx context.Context) ([]string, error) {
	out, err := r.client.LRange(ctx, r.ideasKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("persist: redis: LRANGE %s: %w", r.ideasKey(), err)
	}
	return out, nil
}

// Close releases the client if the store opened it.
func (r *Redis) Close() error {
	if r.owned == nil {
		return nil
	}
	return r.owned.Close()
}
