package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store backed by a bounded ring per stream.
// When a stream exceeds its capacity the oldest events are discarded; a
// resume request that reaches past the discarded prefix fails with
// ErrReplayTruncated.
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	streams  map[string]*memoryStream
}

type memoryStream struct {
	mu     sync.RWMutex
	nextID uint64
	events []Event // ordered, contiguous ids; len <= capacity
}

// DefaultCapacity is the per-stream retention used when NewMemoryStore is
// given a non-positive capacity.
const DefaultCapacity = 1024

// NewMemoryStore builds a MemoryStore retaining up to capacity events per stream.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{capacity: capacity, streams: make(map[string]*memoryStream)}
}

// CreateStream implements Store.
func (s *MemoryStore) CreateStream(ctx context.Context) (string, error) {
	id := uuid.NewString()
	s.mu.Lock()
	s.streams[id] = &memoryStream{}
	s.mu.Unlock()
	return id, nil
}

func (s *MemoryStore) stream(id string) (*memoryStream, bool) {
	s.mu.RLock()
	st, ok := s.streams[id]
	s.mu.RUnlock()
	return st, ok
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, streamID string, payload []byte) (Event, error) {
	st, ok := s.stream(streamID)
	if !ok {
		return Event{}, ErrStreamNotFound
	}

	st.mu.Lock()
	st.nextID++
	ev := Event{
		StreamID:  streamID,
		Seq:       st.nextID,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: time.Now().UTC(),
	}
	st.events = append(st.events, ev)
	if overflow := len(st.events) - s.capacity; overflow > 0 {
		st.events = append(st.events[:0:0], st.events[overflow:]...)
	}
	st.mu.Unlock()

	return ev, nil
}

// After implements Store.
func (s *MemoryStore) After(ctx context.Context, streamID string, lastSeq uint64) ([]Event, error) {
	st, ok := s.stream(streamID)
	if !ok {
		return nil, ErrStreamNotFound
	}

	st.mu.RLock()
	defer st.mu.RUnlock()

	if len(st.events) == 0 {
		if lastSeq > 0 && lastSeq < st.nextID {
			// Everything after lastSeq has been discarded.
			return nil, ErrReplayTruncated
		}
		return nil, nil
	}

	oldest := st.events[0].Seq
	if lastSeq+1 < oldest {
		return nil, ErrReplayTruncated
	}
	if lastSeq >= st.events[len(st.events)-1].Seq {
		return nil, nil
	}

	start := int(lastSeq + 1 - oldest)
	out := make([]Event, len(st.events)-start)
	copy(out, st.events[start:])
	return out, nil
}

// DeleteStream implements Store.
func (s *MemoryStore) DeleteStream(ctx context.Context, streamID string) error {
	s.mu.Lock()
	delete(s.streams, streamID)
	s.mu.Unlock()
	return nil
}

var _ Store = (*MemoryStore)(nil)
