package eventstore

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreAssignsContiguousIDs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(16)
	stream, err := s.CreateStream(ctx)
	if err != nil {
		t.Fatalf("create stream: %v", err)
	}

	for i := 1; i <= 5; i++ {
		ev, err := s.Append(ctx, stream, []byte("payload"))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if ev.Seq != uint64(i) {
			t.Fatalf("event %d got seq %d", i, ev.Seq)
		}
	}
}

func TestMemoryStoreReplayAfter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(16)
	stream, _ := s.CreateStream(ctx)
	for i := 1; i <= 5; i++ {
		if _, err := s.Append(ctx, stream, []byte{byte(i)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	events, err := s.After(ctx, stream, 3)
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Seq != 4 || events[1].Seq != 5 {
		t.Fatalf("replay began at %d, want 4 then 5", events[0].Seq)
	}

	// At the tail there is nothing left to replay.
	events, err = s.After(ctx, stream, 5)
	if err != nil || len(events) != 0 {
		t.Fatalf("tail replay: events=%d err=%v", len(events), err)
	}
}

func TestMemoryStoreTruncatedReplay(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(3)
	stream, _ := s.CreateStream(ctx)
	for i := 1; i <= 10; i++ {
		if _, err := s.Append(ctx, stream, []byte{byte(i)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	// Only 8..10 are retained; resuming from 2 is impossible.
	if _, err := s.After(ctx, stream, 2); !errors.Is(err, ErrReplayTruncated) {
		t.Fatalf("got %v, want ErrReplayTruncated", err)
	}

	// Resuming from the first retained boundary still works.
	events, err := s.After(ctx, stream, 7)
	if err != nil {
		t.Fatalf("after 7: %v", err)
	}
	if len(events) != 3 || events[0].Seq != 8 {
		t.Fatalf("got %d events starting at %d", len(events), events[0].Seq)
	}
}

func TestMemoryStoreUnknownStream(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(4)
	if _, err := s.Append(ctx, "missing", nil); !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("append: got %v", err)
	}
	if _, err := s.After(ctx, "missing", 0); !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("after: got %v", err)
	}
}

func TestMemoryStoreDeleteStream(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(4)
	stream, _ := s.CreateStream(ctx)
	if err := s.DeleteStream(ctx, stream); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.After(ctx, stream, 0); !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("got %v after delete", err)
	}
}

func TestParseEventID(t *testing.T) {
	if _, err := ParseEventID("12"); err != nil {
		t.Fatalf("numeric: %v", err)
	}
	if _, err := ParseEventID("x"); !errors.Is(err, ErrInvalidEventID) {
		t.Fatalf("got %v, want ErrInvalidEventID", err)
	}
}
