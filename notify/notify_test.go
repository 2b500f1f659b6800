package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Spartee/arcade-ai/internal/jsonrpc"
	"github.com/Spartee/arcade-ai/mcp"
	"github.com/Spartee/arcade-ai/sessions"
)

// fakeSession is a minimal sessions.Session for manager tests.
type fakeSession struct {
	id    string
	state sessions.SessionState
}

func (s *fakeSession) SessionID() string                          { return s.id }
func (s *fakeSession) ProtocolVersion() string                    { return mcp.LatestProtocolVersion }
func (s *fakeSession) State() sessions.SessionState               { return s.state }
func (s *fakeSession) Client() sessions.ClientInfo                { return sessions.ClientInfo{} }
func (s *fakeSession) ClientCapabilities() sessions.CapabilitySet { return sessions.CapabilitySet{} }
func (s *fakeSession) MinLogLevel() mcp.LoggingLevel              { return mcp.LoggingLevelInfo }
func (s *fakeSession) HasProgressToken(string) bool               { return false }

// collectingSink records every delivered message.
type collectingSink struct {
	mu       sync.Mutex
	messages []jsonrpc.Message
	err      error
}

func (s *collectingSink) WriteMessage(ctx context.Context, msg jsonrpc.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, append(jsonrpc.Message(nil), msg...))
	return nil
}

func (s *collectingSink) byMethod(method string) []jsonrpc.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []jsonrpc.Message
	for _, m := range s.messages {
		var any jsonrpc.AnyMessage
		if err := json.Unmarshal(m, &any); err != nil {
			continue
		}
		if any.Method == method {
			out = append(out, m)
		}
	}
	return out
}

func (s *collectingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func readySession(id string) *fakeSession {
	return &fakeSession{id: id, state: sessions.SessionStateReady}
}

func TestPublishImmediateDelivery(t *testing.T) {
	m := NewManager()
	defer m.Close()
	sink := &collectingSink{}
	sess := readySession("s1")
	m.Register(sess, sink)

	m.Publish(context.Background(), Notification{
		Method:    mcp.LoggingMessageNotificationMethod,
		Params:    mcp.LoggingMessageNotification{Level: mcp.LoggingLevelInfo, Data: "hello"},
		SessionID: "s1",
	})

	if got := sink.count(); got != 1 {
		t.Fatalf("got %d messages, want 1", got)
	}
}

func TestDebounceCoalescesToLastPayload(t *testing.T) {
	m := NewManager(WithDefaultDebounce(100 * time.Millisecond))
	defer m.Close()
	sink := &collectingSink{}
	sess := readySession("s1")
	m.Register(sess, sink)

	// Ten updates for the same URI within the window; exactly one
	// notification, carrying the final payload, should be delivered.
	for i := 0; i < 10; i++ {
		m.Publish(context.Background(), Notification{
			Method:    mcp.ResourcesUpdatedNotificationMethod,
			Params:    map[string]any{"uri": "file:///a.txt", "rev": i},
			Key:       "resources/updated:file:///a.txt",
			SessionID: "s1",
		})
		time.Sleep(5 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// Allow any straggler timer to fire before asserting the count.
	time.Sleep(200 * time.Millisecond)

	delivered := sink.byMethod(string(mcp.ResourcesUpdatedNotificationMethod))
	if len(delivered) != 1 {
		t.Fatalf("got %d notifications, want exactly 1", len(delivered))
	}
	var any jsonrpc.AnyMessage
	if err := json.Unmarshal(delivered[0], &any); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var params struct {
		Rev int `json:"rev"`
	}
	if err := json.Unmarshal(any.Params, &params); err != nil {
		t.Fatalf("params: %v", err)
	}
	if params.Rev != 9 {
		t.Fatalf("delivered rev %d, want last write 9", params.Rev)
	}
}

func TestRateLimitDropsAndCounts(t *testing.T) {
	m := NewManager(WithRateLimitPerMinute(10))
	defer m.Close()
	sink := &collectingSink{}
	sess := readySession("s1")
	m.Register(sess, sink)

	for i := 0; i < 30; i++ {
		m.Publish(context.Background(), Notification{
			Method:    mcp.LoggingMessageNotificationMethod,
			Params:    mcp.LoggingMessageNotification{Level: mcp.LoggingLevelInfo, Data: i},
			SessionID: "s1",
		})
	}

	dropped := m.Dropped("s1")
	if dropped < 15 || dropped > 21 {
		t.Fatalf("dropped = %d, want roughly 20", dropped)
	}
	// Delivered + dropped must account for every emission.
	delivered := int64(len(sink.byMethod(string(mcp.LoggingMessageNotificationMethod))))
	warnings := delivered - (30 - dropped)
	if warnings != 1 {
		t.Fatalf("expected exactly one rate-limit warning, got %d (delivered=%d dropped=%d)", warnings, delivered, dropped)
	}
}

func TestFanOutSkipsNonReadySessions(t *testing.T) {
	m := NewManager()
	defer m.Close()

	readySink := &collectingSink{}
	pendingSink := &collectingSink{}
	m.Register(readySession("ready"), readySink)
	m.Register(&fakeSession{id: "pending", state: sessions.SessionStatePending}, pendingSink)

	m.Publish(context.Background(), Notification{
		Method: mcp.ToolsListChangedNotificationMethod,
		Params: mcp.ToolListChangedNotification{},
	})

	if readySink.count() != 1 {
		t.Fatalf("ready session got %d messages, want 1", readySink.count())
	}
	if pendingSink.count() != 0 {
		t.Fatalf("pending session got %d messages, want 0", pendingSink.count())
	}
}

func TestUntargetedProgressIsRefused(t *testing.T) {
	m := NewManager()
	defer m.Close()
	sink := &collectingSink{}
	m.Register(readySession("s1"), sink)

	m.Publish(context.Background(), Notification{
		Method: mcp.ProgressNotificationMethod,
		Params: mcp.ProgressNotificationParams{ProgressToken: "p", Progress: 1},
	})

	if sink.count() != 0 {
		t.Fatal("broadcast progress must not be delivered")
	}
}

func TestSinkFailureClosesClientSilently(t *testing.T) {
	closed := make(chan string, 1)
	m := NewManager(WithCloseHandler(func(id string) { closed <- id }))
	defer m.Close()

	sink := &collectingSink{err: errors.New("broken pipe")}
	m.Register(readySession("s1"), sink)

	m.Publish(context.Background(), Notification{
		Method:    mcp.LoggingMessageNotificationMethod,
		Params:    mcp.LoggingMessageNotification{Level: mcp.LoggingLevelInfo, Data: "x"},
		SessionID: "s1",
	})

	select {
	case id := <-closed:
		if id != "s1" {
			t.Fatalf("closed %q, want s1", id)
		}
	case <-time.After(time.Second):
		t.Fatal("close handler not invoked after write failure")
	}

	// Further publishes are dropped without error.
	m.Publish(context.Background(), Notification{
		Method:    mcp.LoggingMessageNotificationMethod,
		Params:    mcp.LoggingMessageNotification{Level: mcp.LoggingLevelInfo, Data: "y"},
		SessionID: "s1",
	})
}

func TestShutdownFlushesPendingDebounce(t *testing.T) {
	m := NewManager(WithDefaultDebounce(time.Hour))
	sink := &collectingSink{}
	m.Register(readySession("s1"), sink)

	m.Publish(context.Background(), Notification{
		Method:    mcp.ResourcesUpdatedNotificationMethod,
		Params:    mcp.ResourceUpdatedNotification{URI: "file:///x"},
		Key:       "resources/updated:file:///x",
		SessionID: "s1",
	})
	if sink.count() != 0 {
		t.Fatal("notification should still be pending")
	}

	m.Shutdown(context.Background())
	if sink.count() != 1 {
		t.Fatalf("got %d after shutdown flush, want 1", sink.count())
	}
}
