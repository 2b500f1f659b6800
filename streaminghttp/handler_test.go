package streaminghttp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Spartee/arcade-ai/internal/jsonrpc"
	"github.com/Spartee/arcade-ai/mcp"
	"github.com/Spartee/arcade-ai/mcpservice"
	"github.com/Spartee/arcade-ai/toolctx"
)

func testServer(t *testing.T, opts ...Option) (*httptest.Server, *Handler) {
	t.Helper()

	type chattyArgs struct {
		Lines int `json:"lines"`
	}
	chatty := mcpservice.NewTool("chatty", func(ctx context.Context, tc *toolctx.Context, r *mcpservice.ToolRequest[chattyArgs]) (*mcp.CallToolResult, error) {
		for i := 1; i <= r.Args().Lines; i++ {
			tc.Info(ctx, fmt.Sprintf("line %d", i))
		}
		return mcpservice.TextResult("done"), nil
	})

	srvCaps := mcpservice.NewServer(
		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "http-test", Version: "0.0.1"}),
		mcpservice.WithTools(chatty),
		mcpservice.WithLoggingCapability(mcpservice.NewSessionLogging()),
	)

	h, err := New(t.Context(), "/mcp", srvCaps, opts...)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, h
}

func postJSON(t *testing.T, url, sessID string, body any, extraHeaders map[string]string) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url+"/mcp", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sessID != "" {
		req.Header.Set("Mcp-Session-Id", sessID)
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response) *jsonrpc.AnyMessage {
	t.Helper()
	defer resp.Body.Close()
	var msg jsonrpc.AnyMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return &msg
}

func initializeSession(t *testing.T, url string) string {
	t.Helper()
	resp := postJSON(t, url, "", map[string]any{
		"jsonrpc": "2.0", "id": "init", "method": "initialize",
		"params": map[string]any{
			"protocolVersion": mcp.LatestProtocolVersion,
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "http-client", "version": "1"},
		},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize status %d", resp.StatusCode)
	}
	sessID := resp.Header.Get("Mcp-Session-Id")
	if sessID == "" {
		t.Fatal("missing mcp-session-id header")
	}
	if pv := resp.Header.Get("Mcp-Protocol-Version"); pv != mcp.LatestProtocolVersion {
		t.Fatalf("protocol version header %q", pv)
	}
	msg := decodeResponse(t, resp)
	if msg.Error != nil {
		t.Fatalf("initialize error: %+v", msg.Error)
	}

	// Confirm the handshake.
	resp = postJSON(t, url, sessID, map[string]any{
		"jsonrpc": "2.0", "method": "notifications/initialized",
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("initialized status %d, want 202", resp.StatusCode)
	}
	return sessID
}

func TestInitializeHandshake(t *testing.T) {
	srv, _ := testServer(t)
	sessID := initializeSession(t, srv.URL)

	resp := postJSON(t, srv.URL, sessID, map[string]any{"jsonrpc": "2.0", "id": "p", "method": "ping"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ping status %d", resp.StatusCode)
	}
	msg := decodeResponse(t, resp)
	if msg.Error != nil || string(msg.Result) != "{}" {
		t.Fatalf("ping result=%s err=%+v", msg.Result, msg.Error)
	}
}

func TestPostWithoutSessionRequiresInitialize(t *testing.T) {
	srv, _ := testServer(t)
	resp := postJSON(t, srv.URL, "", map[string]any{"jsonrpc": "2.0", "id": 1, "method": "tools/list"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", resp.StatusCode)
	}
}

func TestUnknownSessionRejected(t *testing.T) {
	srv, _ := testServer(t)
	resp := postJSON(t, srv.URL, "no-such-session", map[string]any{"jsonrpc": "2.0", "id": 1, "method": "ping"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", resp.StatusCode)
	}
}

func TestDuplicateInitializeConflicts(t *testing.T) {
	srv, _ := testServer(t)
	sessID := initializeSession(t, srv.URL)

	resp := postJSON(t, srv.URL, sessID, map[string]any{
		"jsonrpc": "2.0", "id": "again", "method": "initialize",
		"params": map[string]any{
			"protocolVersion": mcp.LatestProtocolVersion,
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "x", "version": "1"},
		},
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status %d, want 409", resp.StatusCode)
	}
}

func TestProtocolVersionHeaderMismatch(t *testing.T) {
	srv, _ := testServer(t)
	sessID := initializeSession(t, srv.URL)

	resp := postJSON(t, srv.URL, sessID, map[string]any{"jsonrpc": "2.0", "id": 1, "method": "ping"},
		map[string]string{"Mcp-Protocol-Version": "2020-01-01"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
}

func TestBatchArraysRejected(t *testing.T) {
	srv, _ := testServer(t)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/mcp", strings.NewReader(`[{"jsonrpc":"2.0","id":1,"method":"ping"}]`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
}

func TestLifecycleViolationOverHTTP(t *testing.T) {
	srv, _ := testServer(t)

	// Initialize but do NOT send notifications/initialized.
	resp := postJSON(t, srv.URL, "", map[string]any{
		"jsonrpc": "2.0", "id": "init", "method": "initialize",
		"params": map[string]any{
			"protocolVersion": mcp.LatestProtocolVersion,
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "x", "version": "1"},
		},
	}, nil)
	sessID := resp.Header.Get("Mcp-Session-Id")
	resp.Body.Close()

	resp = postJSON(t, srv.URL, sessID, map[string]any{"jsonrpc": "2.0", "id": 2, "method": "tools/list"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	msg := decodeResponse(t, resp)
	if msg.Error == nil || msg.Error.Code != jsonrpc.ErrorCodeNotInitialized {
		t.Fatalf("got %+v, want -32002", msg.Error)
	}
}

func TestDeleteTerminatesSession(t *testing.T) {
	srv, _ := testServer(t)
	sessID := initializeSession(t, srv.URL)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/mcp", nil)
	req.Header.Set("Mcp-Session-Id", sessID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status %d, want 204", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL, sessID, map[string]any{"jsonrpc": "2.0", "id": 3, "method": "ping"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("post after delete: status %d, want 404", resp.StatusCode)
	}
}

// sseEvent is one parsed frame from an event stream.
type sseEvent struct {
	id   string
	data string
}

// readSSE consumes events from the stream until count events arrive, the
// timeout passes, or a read fails. Comment-only frames are ignored.
func readSSE(t *testing.T, body io.Reader, count int, timeout time.Duration) []sseEvent {
	t.Helper()
	deadline := time.Now().Add(timeout)
	reader := bufio.NewReader(body)

	var events []sseEvent
	var cur sseEvent
	for len(events) < count && time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if cur.data != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, ":"):
			// keep-alive or replay signal; not an event
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return events
}

func TestSSEDeliveryAndResume(t *testing.T) {
	srv, _ := testServer(t)
	sessID := initializeSession(t, srv.URL)

	// Generate five server-to-client notifications through a tool call.
	resp := postJSON(t, srv.URL, sessID, map[string]any{
		"jsonrpc": "2.0", "id": "c1", "method": "tools/call",
		"params": map[string]any{"name": "chatty", "arguments": map[string]any{"lines": 5}},
	}, nil)
	msg := decodeResponse(t, resp)
	if msg.Error != nil {
		t.Fatalf("tool call: %+v", msg.Error)
	}

	// First connection reads the first three events, then drops.
	ctx1, cancel1 := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx1, http.MethodGet, srv.URL+"/mcp", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessID)
	stream1, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ct := stream1.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type %q", ct)
	}
	first := readSSE(t, stream1.Body, 3, 5*time.Second)
	cancel1()
	stream1.Body.Close()

	if len(first) != 3 {
		t.Fatalf("got %d events, want 3", len(first))
	}
	for i, ev := range first {
		if ev.id != fmt.Sprintf("%d", i+1) {
			t.Fatalf("event %d has id %q", i, ev.id)
		}
	}

	// Reconnect with Last-Event-ID: 3; replay must begin at 4, in order,
	// with no duplicates.
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	req, _ = http.NewRequestWithContext(ctx2, http.MethodGet, srv.URL+"/mcp", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessID)
	req.Header.Set("Last-Event-ID", "3")
	stream2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("resume get: %v", err)
	}
	defer stream2.Body.Close()

	rest := readSSE(t, stream2.Body, 2, 5*time.Second)
	if len(rest) != 2 {
		t.Fatalf("resumed read got %d events, want 2", len(rest))
	}
	if rest[0].id != "4" || rest[1].id != "5" {
		t.Fatalf("resume ids %q,%q want 4,5", rest[0].id, rest[1].id)
	}

	// The payloads are the log notifications, last two lines.
	var note jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(rest[1].data), &note); err != nil {
		t.Fatalf("event payload: %v", err)
	}
	if note.Method != string(mcp.LoggingMessageNotificationMethod) {
		t.Fatalf("payload method %q", note.Method)
	}
}

func TestSSEMissingSessionHeader(t *testing.T) {
	srv, _ := testServer(t)
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/mcp", nil)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
}

func TestSSEInvalidLastEventID(t *testing.T) {
	srv, _ := testServer(t)
	sessID := initializeSession(t, srv.URL)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/mcp", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessID)
	req.Header.Set("Last-Event-ID", "not-a-number")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
}
