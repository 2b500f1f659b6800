package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/Spartee/arcade-ai/internal/jsonrpc"
	"github.com/Spartee/arcade-ai/mcp"
	"github.com/Spartee/arcade-ai/mcpservice"
	"github.com/Spartee/arcade-ai/toolctx"
)

type stdioHarness struct {
	t      *testing.T
	in     *io.PipeWriter
	lines  chan jsonrpc.AnyMessage
	cancel context.CancelFunc
	done   chan error
}

func newStdioHarness(t *testing.T, srv mcpservice.ServerCapabilities) *stdioHarness {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	h := NewHandler(srv, WithIO(inR, outW))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx) }()

	lines := make(chan jsonrpc.AnyMessage, 64)
	go func() {
		scanner := bufio.NewScanner(outR)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			var msg jsonrpc.AnyMessage
			if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
				continue
			}
			lines <- msg
		}
		close(lines)
	}()

	harness := &stdioHarness{t: t, in: inW, lines: lines, cancel: cancel, done: done}
	t.Cleanup(func() {
		_ = inW.Close()
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
		_ = outW.Close()
	})
	return harness
}

func (h *stdioHarness) send(v any) {
	h.t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		h.t.Fatalf("marshal: %v", err)
	}
	if _, err := h.in.Write(append(b, '\n')); err != nil {
		h.t.Fatalf("write: %v", err)
	}
}

// awaitResponse reads output lines until the response with the given id
// arrives, collecting notifications seen along the way.
func (h *stdioHarness) awaitResponse(id string) (jsonrpc.AnyMessage, []jsonrpc.AnyMessage) {
	h.t.Helper()
	var notes []jsonrpc.AnyMessage
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-h.lines:
			if !ok {
				h.t.Fatal("output closed while awaiting response")
			}
			if msg.Type() == "notification" {
				notes = append(notes, msg)
				continue
			}
			if msg.ID.String() == id {
				return msg, notes
			}
		case <-deadline:
			h.t.Fatalf("no response for id %s", id)
		}
	}
}

func echoCapabilities(t *testing.T) mcpservice.ServerCapabilities {
	t.Helper()
	type echoArgs struct {
		Items []string `json:"items"`
	}
	echoTool := mcpservice.NewTool("echo", func(ctx context.Context, tc *toolctx.Context, r *mcpservice.ToolRequest[echoArgs]) (*mcp.CallToolResult, error) {
		progress := tc.Progress(toolctx.WithTotal(float64(len(r.Args().Items))))
		defer progress.Close(ctx)
		var blocks []mcp.ContentBlock
		for _, item := range r.Args().Items {
			blocks = append(blocks, mcp.TextBlock(item))
			progress.Increment(ctx)
		}
		return &mcp.CallToolResult{Content: blocks}, nil
	})
	return mcpservice.NewServer(
		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "stdio-test", Version: "0.0.1"}),
		mcpservice.WithTools(echoTool),
	)
}

func TestServeLifecycle(t *testing.T) {
	h := newStdioHarness(t, echoCapabilities(t))

	// A request before initialize is rejected with -32002.
	h.send(map[string]any{"jsonrpc": "2.0", "id": "early", "method": "tools/list"})
	res, _ := h.awaitResponse("early")
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeNotInitialized {
		t.Fatalf("pre-init request: %+v", res.Error)
	}

	h.send(map[string]any{
		"jsonrpc": "2.0", "id": "init", "method": "initialize",
		"params": map[string]any{
			"protocolVersion": mcp.LatestProtocolVersion,
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "cli", "version": "1"},
		},
	})
	res, _ = h.awaitResponse("init")
	if res.Error != nil {
		t.Fatalf("initialize: %+v", res.Error)
	}
	var init mcp.InitializeResult
	if err := json.Unmarshal(res.Result, &init); err != nil {
		t.Fatalf("decode init: %v", err)
	}
	if init.ProtocolVersion != mcp.LatestProtocolVersion || init.ServerInfo.Name != "stdio-test" {
		t.Fatalf("init result: %+v", init)
	}

	h.send(map[string]any{"jsonrpc": "2.0", "method": "notifications/initialized"})

	h.send(map[string]any{"jsonrpc": "2.0", "id": "ping1", "method": "ping"})
	res, _ = h.awaitResponse("ping1")
	if res.Error != nil || string(res.Result) != "{}" {
		t.Fatalf("ping: result=%s err=%+v", res.Result, res.Error)
	}
}

func TestServeToolCallWithProgress(t *testing.T) {
	h := newStdioHarness(t, echoCapabilities(t))

	h.send(map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize",
		"params": map[string]any{
			"protocolVersion": mcp.LatestProtocolVersion,
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "cli", "version": "1"},
		},
	})
	h.awaitResponse("1")
	h.send(map[string]any{"jsonrpc": "2.0", "method": "notifications/initialized"})

	h.send(map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "tools/call",
		"params": map[string]any{
			"name":      "echo",
			"arguments": map[string]any{"items": []string{"a", "b", "c"}},
			"_meta":     map[string]any{"progressToken": "p1"},
		},
	})
	res, notes := h.awaitResponse("2")
	if res.Error != nil {
		t.Fatalf("call: %+v", res.Error)
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.IsError || len(result.Content) != 3 {
		t.Fatalf("result: %+v", result)
	}

	var progressCount int
	var last float64
	for _, note := range notes {
		if note.Method != string(mcp.ProgressNotificationMethod) {
			continue
		}
		var params mcp.ProgressNotificationParams
		if err := json.Unmarshal(note.Params, &params); err != nil {
			t.Fatalf("progress params: %v", err)
		}
		if params.ProgressToken != "p1" {
			t.Fatalf("token %v", params.ProgressToken)
		}
		if params.Progress <= last {
			t.Fatalf("progress not monotonic: %v then %v", last, params.Progress)
		}
		last = params.Progress
		progressCount++
	}
	if progressCount != 3 {
		t.Fatalf("got %d progress notifications, want 3", progressCount)
	}
}

func TestServeRejectsMalformedLine(t *testing.T) {
	h := newStdioHarness(t, echoCapabilities(t))

	if _, err := h.in.Write([]byte("this is not json\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case msg, ok := <-h.lines:
		if !ok {
			t.Fatal("output closed")
		}
		if msg.Error == nil || msg.Error.Code != jsonrpc.ErrorCodeParseError {
			t.Fatalf("got %+v, want -32700", msg.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no parse error emitted")
	}
}

func TestServeStopsOnEOF(t *testing.T) {
	inR, inW := io.Pipe()

	h := NewHandler(echoCapabilities(t), WithIO(inR, io.Discard))
	done := make(chan error, 1)
	go func() { done <- h.Serve(context.Background()) }()

	_ = inW.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("EOF should end Serve cleanly, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop on EOF")
	}
}
