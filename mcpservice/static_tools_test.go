package mcpservice

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Spartee/arcade-ai/mcp"
	"github.com/Spartee/arcade-ai/sessions"
	"github.com/Spartee/arcade-ai/toolctx"
)

type stubSession struct{ id string }

func (s *stubSession) SessionID() string                          { return s.id }
func (s *stubSession) ProtocolVersion() string                    { return mcp.LatestProtocolVersion }
func (s *stubSession) State() sessions.SessionState               { return sessions.SessionStateReady }
func (s *stubSession) Client() sessions.ClientInfo                { return sessions.ClientInfo{} }
func (s *stubSession) ClientCapabilities() sessions.CapabilitySet { return sessions.CapabilitySet{} }
func (s *stubSession) MinLogLevel() mcp.LoggingLevel              { return mcp.LoggingLevelInfo }
func (s *stubSession) HasProgressToken(string) bool               { return false }

type greetArgs struct {
	Name  string `json:"name" jsonschema:"description=Who to greet"`
	Count int    `json:"count,omitempty"`
}

func greetTool() StaticTool {
	return NewTool("greet", func(ctx context.Context, tc *toolctx.Context, r *ToolRequest[greetArgs]) (*mcp.CallToolResult, error) {
		return TextResult("hello " + r.Args().Name), nil
	}, WithToolDescription("Greets by name."))
}

func callReq(t *testing.T, name string, args any) *mcp.CallToolRequestReceived {
	t.Helper()
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			t.Fatalf("marshal args: %v", err)
		}
		raw = b
	}
	return &mcp.CallToolRequestReceived{Name: name, Arguments: raw}
}

func TestNewToolReflectsInputSchema(t *testing.T) {
	def := greetTool()
	schema := def.Descriptor.InputSchema
	if schema.Type != "object" {
		t.Fatalf("schema type %q", schema.Type)
	}
	name, ok := schema.Properties["name"]
	if !ok || name.Type != "string" {
		t.Fatalf("name property: %+v", schema.Properties)
	}
	if name.Description != "Who to greet" {
		t.Fatalf("description lost: %+v", name)
	}
	count, ok := schema.Properties["count"]
	if !ok || count.Type != "integer" {
		t.Fatalf("count property: %+v", count)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "name" {
		t.Fatalf("required: %v", schema.Required)
	}
	if schema.AdditionalProperties {
		t.Fatal("strict tools must set additionalProperties=false")
	}
}

func TestCallToolHappyPath(t *testing.T) {
	c := NewToolsContainer(greetTool())
	res, err := c.CallTool(context.Background(), &stubSession{id: "s"}, callReq(t, "greet", map[string]any{"name": "Ada"}))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.IsError || len(res.Content) != 1 || res.Content[0].Text != "hello Ada" {
		t.Fatalf("result: %+v", res)
	}
}

func TestCallToolUnknownName(t *testing.T) {
	c := NewToolsContainer(greetTool())
	if _, err := c.CallTool(context.Background(), &stubSession{id: "s"}, callReq(t, "missing", nil)); !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("got %v, want ErrToolNotFound", err)
	}
}

func TestCallToolValidatesArguments(t *testing.T) {
	c := NewToolsContainer(greetTool())
	sess := &stubSession{id: "s"}

	cases := []struct {
		name string
		args any
	}{
		{"missing required", map[string]any{"count": 1}},
		{"wrong type", map[string]any{"name": 42}},
		{"unknown property", map[string]any{"name": "x", "bogus": true}},
	}
	for _, tc := range cases {
		if _, err := c.CallTool(context.Background(), sess, callReq(t, "greet", tc.args)); !errors.Is(err, ErrInvalidArguments) {
			t.Fatalf("%s: got %v, want ErrInvalidArguments", tc.name, err)
		}
	}
}

func TestCallToolValidationMessageIsPathQualified(t *testing.T) {
	c := NewToolsContainer(greetTool())
	_, err := c.CallTool(context.Background(), &stubSession{id: "s"}, callReq(t, "greet", map[string]any{"name": 42}))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if got := err.Error(); !strings.Contains(got, "arguments.name") {
		t.Fatalf("message %q lacks a path-qualified field", got)
	}
}

func TestCallToolRequiresAuth(t *testing.T) {
	def := NewTool("locked", func(ctx context.Context, tc *toolctx.Context, r *ToolRequest[struct{}]) (*mcp.CallToolResult, error) {
		return TextResult("open"), nil
	}, WithRequiresAuth())
	c := NewToolsContainer(def)
	sess := &stubSession{id: "s"}

	if _, err := c.CallTool(context.Background(), sess, callReq(t, "locked", nil)); !errors.Is(err, ErrAuthTokenMissing) {
		t.Fatalf("got %v, want ErrAuthTokenMissing", err)
	}

	// With a token on the tool context the call proceeds.
	tc := toolctx.New(toolctx.Config{Session: sess, AuthToken: "tok"})
	ctx := toolctx.WithContext(context.Background(), tc)
	res, err := c.CallTool(ctx, sess, callReq(t, "locked", nil))
	if err != nil || res.IsError {
		t.Fatalf("authorized call failed: %+v %v", res, err)
	}
}

func TestCallToolHandlerErrorBecomesResultData(t *testing.T) {
	def := NewTool("flaky", func(ctx context.Context, tc *toolctx.Context, r *ToolRequest[struct{}]) (*mcp.CallToolResult, error) {
		return nil, errors.New("backend unavailable")
	})
	c := NewToolsContainer(def)

	res, err := c.CallTool(context.Background(), &stubSession{id: "s"}, callReq(t, "flaky", nil))
	if err != nil {
		t.Fatalf("handler error must not become a protocol error: %v", err)
	}
	if !res.IsError || len(res.Content) == 0 {
		t.Fatalf("want isError result, got %+v", res)
	}
}

func TestCallToolPanicIsCaptured(t *testing.T) {
	def := NewTool("explode", func(ctx context.Context, tc *toolctx.Context, r *ToolRequest[struct{}]) (*mcp.CallToolResult, error) {
		panic("boom")
	})
	c := NewToolsContainer(def)

	res, err := c.CallTool(context.Background(), &stubSession{id: "s"}, callReq(t, "explode", nil))
	if err != nil {
		t.Fatalf("panic leaked as error: %v", err)
	}
	if !res.IsError {
		t.Fatalf("want isError result, got %+v", res)
	}
}

func TestNewToolWithOutputAttachesStructuredContent(t *testing.T) {
	type sumArgs struct {
		A int `json:"a"`
		B int `json:"b"`
	}
	type sumOut struct {
		Sum int `json:"sum"`
	}
	def := NewToolWithOutput("sum", func(ctx context.Context, tc *toolctx.Context, r *ToolRequest[sumArgs]) (sumOut, []mcp.ContentBlock, error) {
		total := r.Args().A + r.Args().B
		return sumOut{Sum: total}, []mcp.ContentBlock{mcp.TextBlock("done")}, nil
	})
	if def.Descriptor.OutputSchema == nil {
		t.Fatal("output schema missing")
	}

	c := NewToolsContainer(def)
	res, err := c.CallTool(context.Background(), &stubSession{id: "s"}, callReq(t, "sum", map[string]any{"a": 2, "b": 3}))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.StructuredContent == nil {
		t.Fatal("structured content missing")
	}
	if got, ok := res.StructuredContent["sum"].(float64); !ok || got != 5 {
		t.Fatalf("structured content: %#v", res.StructuredContent)
	}
}

func TestContainerMutationNotifiesSubscribers(t *testing.T) {
	c := NewToolsContainer(greetTool())
	sub := c.Subscriber()
	drain(sub)

	if !c.Add(context.Background(), NewTool("extra", func(ctx context.Context, tc *toolctx.Context, r *ToolRequest[struct{}]) (*mcp.CallToolResult, error) {
		return TextResult("x"), nil
	})) {
		t.Fatal("add failed")
	}
	waitSignal(t, sub)

	if !c.Remove(context.Background(), "extra") {
		t.Fatal("remove failed")
	}
	waitSignal(t, sub)
}

func drain(ch <-chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func waitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification")
	}
}
