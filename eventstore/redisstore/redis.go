// Package redisstore implements the event store on Redis Streams so that
// SSE resumability survives process restarts and horizontal scale-out.
//
// Each MCP stream maps to one Redis stream key. Event ids are explicit
// "<seq>-0" entries driven by a per-stream counter key, which keeps the
// contiguous integer id contract identical to the in-memory store. Retention
// is enforced with approximate MAXLEN trimming on append.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Spartee/arcade-ai/eventstore"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed event store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: MCP_REDIS_ADDR
	RedisAddr string `env:"MCP_REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: MCP_EVENTS_KEY_PREFIX
	KeyPrefix string `env:"MCP_EVENTS_KEY_PREFIX,default=mcp:events:"`
	// Capacity is the approximate per-stream retention. ENV: MCP_EVENT_STORE_CAPACITY
	Capacity int `env:"MCP_EVENT_STORE_CAPACITY,default=1024"`
	// TTL bounds how long an idle stream is retained. ENV: MCP_EVENTS_TTL
	TTL time.Duration `env:"MCP_EVENTS_TTL,default=24h"`
}

// Store is a Redis-Streams-backed eventstore.Store.
type Store struct {
	client    *redis.Client
	keyPrefix string
	capacity  int
	ttl       time.Duration
}

// New constructs a Store and verifies connectivity with a ping.
func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:events:"
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 1024
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{client: cl, keyPrefix: prefix, capacity: capacity, ttl: ttl}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode redis event store config: %w", err)
	}
	return New(cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) streamKey(id string) string  { return s.keyPrefix + "stream:" + id }
func (s *Store) counterKey(id string) string { return s.keyPrefix + "seq:" + id }

// CreateStream implements eventstore.Store.
func (s *Store) CreateStream(ctx context.Context) (string, error) {
	id := uuid.NewString()
	// Initialize the counter so stream existence checks are cheap.
	if err := s.client.Set(ctx, s.counterKey(id), 0, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("init stream counter: %w", err)
	}
	return id, nil
}

// Append implements eventstore.Store.
func (s *Store) Append(ctx context.Context, streamID string, payload []byte) (eventstore.Event, error) {
	ctrKey := s.counterKey(streamID)
	exists, err := s.client.Exists(ctx, ctrKey).Result()
	if err != nil {
		return eventstore.Event{}, fmt.Errorf("check stream: %w", err)
	}
	if exists == 0 {
		return eventstore.Event{}, eventstore.ErrStreamNotFound
	}

	seq, err := s.client.Incr(ctx, ctrKey).Result()
	if err != nil {
		return eventstore.Event{}, fmt.Errorf("next event id: %w", err)
	}

	now := time.Now().UTC()
	addArgs := &redis.XAddArgs{
		Stream: s.streamKey(streamID),
		ID:     fmt.Sprintf("%d-0", seq),
		MaxLen: int64(s.capacity),
		Approx: true,
		Values: map[string]any{"payload": string(payload)},
	}
	if err := s.client.XAdd(ctx, addArgs).Err(); err != nil {
		return eventstore.Event{}, fmt.Errorf("append event: %w", err)
	}
	s.client.Expire(ctx, s.streamKey(streamID), s.ttl)
	s.client.Expire(ctx, ctrKey, s.ttl)

	return eventstore.Event{
		StreamID:  streamID,
		Seq:       uint64(seq),
		Payload:   append([]byte(nil), payload...),
		CreatedAt: now,
	}, nil
}

// After implements eventstore.Store.
func (s *Store) After(ctx context.Context, streamID string, lastSeq uint64) ([]eventstore.Event, error) {
	ctrKey := s.counterKey(streamID)
	tailStr, err := s.client.Get(ctx, ctrKey).Result()
	if err == redis.Nil {
		return nil, eventstore.ErrStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read stream counter: %w", err)
	}
	tail, _ := strconv.ParseUint(tailStr, 10, 64)
	if lastSeq >= tail {
		return nil, nil
	}

	entries, err := s.client.XRange(ctx, s.streamKey(streamID), fmt.Sprintf("%d-0", lastSeq+1), "+").Result()
	if err != nil {
		return nil, fmt.Errorf("range events: %w", err)
	}
	if len(entries) == 0 {
		// Trimmed past the resume point.
		return nil, eventstore.ErrReplayTruncated
	}

	out := make([]eventstore.Event, 0, len(entries))
	expect := lastSeq + 1
	for _, entry := range entries {
		seqPart := entry.ID
		if i := strings.IndexByte(seqPart, '-'); i >= 0 {
			seqPart = seqPart[:i]
		}
		seq, perr := strconv.ParseUint(seqPart, 10, 64)
		if perr != nil {
			continue
		}
		if seq != expect {
			// A gap means trimming removed the head of the requested range.
			return nil, eventstore.ErrReplayTruncated
		}
		expect++
		payload, _ := entry.Values["payload"].(string)
		out = append(out, eventstore.Event{StreamID: streamID, Seq: seq, Payload: []byte(payload)})
	}
	return out, nil
}

// DeleteStream implements eventstore.Store.
func (s *Store) DeleteStream(ctx context.Context, streamID string) error {
	if err := s.client.Del(ctx, s.streamKey(streamID), s.counterKey(streamID)).Err(); err != nil {
		return fmt.Errorf("delete stream: %w", err)
	}
	return nil
}

var _ eventstore.Store = (*Store)(nil)
