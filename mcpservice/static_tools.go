package mcpservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Spartee/arcade-ai/mcp"
	"github.com/Spartee/arcade-ai/sessions"
	"github.com/Spartee/arcade-ai/toolctx"
	"github.com/invopop/jsonschema"
)

var (
	// ErrAuthTokenMissing indicates a tool requiring authorization was called
	// without a bearer token. Surfaced before the handler runs.
	ErrAuthTokenMissing = errors.New("tool requires authorization but no token was provided")
	// ErrSecretUnavailable indicates a declared secret could not be resolved.
	ErrSecretUnavailable = errors.New("required secret unavailable")
)

// ToolHandler is the function signature used to handle a tool invocation.
// The toolctx.Context carries the per-call facets (logging, progress,
// secrets, client API); req carries the raw call payload.
type ToolHandler func(ctx context.Context, tc *toolctx.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

// StaticTool pairs an MCP tool descriptor with its handler and the
// requirements enforced before the handler runs.
type StaticTool struct {
	Descriptor      mcp.Tool
	Handler         ToolHandler
	RequiresAuth    bool
	RequiresSecrets []string
}

// ToolRequest is the container for tool call input and request metadata.
// It is generic over the typed argument struct A.
type ToolRequest[A any] struct {
	name string
	raw  json.RawMessage
	args A
}

func (r *ToolRequest[A]) Name() string                  { return r.name }
func (r *ToolRequest[A]) RawArguments() json.RawMessage { return r.raw }
func (r *ToolRequest[A]) Args() A                       { return r.args }

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description               string
	annotations               *mcp.ToolAnnotations
	requiresAuth              bool
	requiresSecrets           []string
	allowAdditionalProperties bool // default false (strict)
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolAnnotations attaches behavioral hints to the descriptor.
func WithToolAnnotations(a mcp.ToolAnnotations) ToolOption {
	return func(c *toolConfig) { c.annotations = &a }
}

// WithRequiresAuth marks the tool as needing a bearer token; calls without
// one fail before the handler runs.
func WithRequiresAuth() ToolOption {
	return func(c *toolConfig) { c.requiresAuth = true }
}

// WithRequiresSecrets declares the secrets the tool reads. Undeclared secrets
// are not resolvable from the tool context, and declared secrets must resolve
// for the call to proceed.
func WithRequiresSecrets(names ...string) ToolOption {
	return func(c *toolConfig) { c.requiresSecrets = append(c.requiresSecrets, names...) }
}

// WithToolAllowAdditionalProperties controls whether unknown fields are allowed.
// When false (default), the generated schema sets additionalProperties=false and
// runtime decoding rejects unknown fields.
func WithToolAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// NewTool constructs a StaticTool from a typed args struct A. It reflects a
// JSON Schema from A, down-converts it to the MCP input schema, and wraps the
// handler with strict argument decoding.
func NewTool[A any](name string, fn func(ctx context.Context, tc *toolctx.Context, r *ToolRequest[A]) (*mcp.CallToolResult, error), opts ...ToolOption) StaticTool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	input := reflectToMCPInputSchema[A](cfg.allowAdditionalProperties)
	desc := mcp.Tool{
		Name:        name,
		Description: cfg.description,
		InputSchema: input,
		Annotations: cfg.annotations,
	}

	handler := func(ctx context.Context, tc *toolctx.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		a, err := decodeArgs[A](req.Arguments, cfg.allowAdditionalProperties)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
		r := &ToolRequest[A]{name: req.Name, raw: req.Arguments, args: a}
		return fn(ctx, tc, r)
	}

	return StaticTool{
		Descriptor:      desc,
		Handler:         handler,
		RequiresAuth:    cfg.requiresAuth,
		RequiresSecrets: cfg.requiresSecrets,
	}
}

// NewToolWithOutput constructs a typed-input, typed-output tool. The value
// returned by fn is serialized into structuredContent conforming to the
// reflected output schema.
func NewToolWithOutput[A, O any](name string, fn func(ctx context.Context, tc *toolctx.Context, r *ToolRequest[A]) (O, []mcp.ContentBlock, error), opts ...ToolOption) StaticTool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	input := reflectToMCPInputSchema[A](cfg.allowAdditionalProperties)
	outSchema := reflectToMCPOutputSchema[O]()
	desc := mcp.Tool{
		Name:         name,
		Description:  cfg.description,
		InputSchema:  input,
		OutputSchema: &outSchema,
		Annotations:  cfg.annotations,
	}

	handler := func(ctx context.Context, tc *toolctx.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		a, err := decodeArgs[A](req.Arguments, cfg.allowAdditionalProperties)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
		r := &ToolRequest[A]{name: req.Name, raw: req.Arguments, args: a}
		out, blocks, err := fn(ctx, tc, r)
		if err != nil {
			return nil, err
		}
		res := &mcp.CallToolResult{Content: blocks}
		b, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("marshal structured content: %w", err)
		}
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("structured content must be an object: %w", err)
		}
		res.StructuredContent = m
		return res, nil
	}

	return StaticTool{
		Descriptor:      desc,
		Handler:         handler,
		RequiresAuth:    cfg.requiresAuth,
		RequiresSecrets: cfg.requiresSecrets,
	}
}

func decodeArgs[A any](raw json.RawMessage, allowAdditional bool) (A, error) {
	var a A
	if len(raw) == 0 {
		return a, nil
	}
	if allowAdditional {
		if err := json.Unmarshal(raw, &a); err != nil {
			return a, err
		}
		return a, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return a, err
	}
	return a, nil
}

// reflectToMCPInputSchema reflects a Go type A into a jsonschema.Schema, and
// converts it to the simplified mcp.ToolInputSchema. Unknown field policy is
// surfaced via the AdditionalProperties flag on the returned schema.
func reflectToMCPInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true, // inline defs
		ExpandedStruct:            true, // put struct at root
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))

	// Only object schemas map cleanly to MCP ToolInputSchema. If not an object,
	// expose an empty object with the configured additionalProperties policy.
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: allowAdditional,
		}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toMCPProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}

	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: allowAdditional,
	}
}

// reflectToMCPOutputSchema reflects a Go type O into a mcp.ToolOutputSchema.
func reflectToMCPOutputSchema[O any]() mcp.ToolOutputSchema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(new(O))
	if s == nil || s.Type != "object" {
		return mcp.ToolOutputSchema{Type: "object", Properties: map[string]mcp.SchemaProperty{}}
	}
	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toMCPProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}
	return mcp.ToolOutputSchema{Type: "object", Properties: props, Required: required}
}

// toMCPProperty recursively maps a jsonschema.Schema to the simplified MCP SchemaProperty.
func toMCPProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toMCPProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toMCPProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}

// ToolsContainer owns a mutable, threadsafe set of tool descriptors and
// handlers, and is the registry the engine dispatches tools/call against.
//
// ToolsContainer embeds a ChangeNotifier and implements ChangeSubscriber to
// expose listChanged support automatically.
type ToolsContainer struct {
	mu    sync.RWMutex
	tools []mcp.Tool             // descriptors for listing
	defs  map[string]*StaticTool // name -> definition

	notifier ChangeNotifier

	pageSize int // pagination size for ListTools (default 50)
}

// NewToolsContainer constructs a new ToolsContainer with the given tool definitions.
func NewToolsContainer(defs ...StaticTool) *ToolsContainer {
	st := &ToolsContainer{pageSize: 50}
	st.Replace(context.Background(), defs...)
	return st
}

// ProvideTools returns the container as the tools capability, in the form
// WithToolsProvider accepts. An
// empty container is a present-but-empty capability rather than an absent one.
func (st *ToolsContainer) ProvideTools(ctx context.Context, session sessions.Session) (ToolsCapability, bool, error) {
	return st, true, nil
}

// SetPageSize sets the pagination size used by ListTools.
// A non-positive value is ignored.
func (st *ToolsContainer) SetPageSize(n int) {
	if n <= 0 {
		return
	}
	st.mu.Lock()
	st.pageSize = n
	st.mu.Unlock()
}

// Snapshot returns a copy of the current tool descriptors.
func (st *ToolsContainer) Snapshot() []mcp.Tool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]mcp.Tool, len(st.tools))
	copy(out, st.tools)
	return out
}

// Replace atomically replaces the entire tool set.
func (st *ToolsContainer) Replace(_ context.Context, defs ...StaticTool) {
	st.mu.Lock()
	st.tools = st.tools[:0]
	if cap(st.tools) < len(defs) {
		st.tools = make([]mcp.Tool, 0, len(defs))
	}
	st.defs = make(map[string]*StaticTool, len(defs))
	for i := range defs {
		d := defs[i]
		// last write wins on duplicate names
		st.tools = append(st.tools, d.Descriptor)
		st.defs[d.Descriptor.Name] = &d
	}
	st.mu.Unlock()
	go func() { _ = st.notifier.Notify(context.Background()) }()
}

// Add registers a new tool if it doesn't duplicate an existing name.
// Returns true if added.
func (st *ToolsContainer) Add(_ context.Context, def StaticTool) bool {
	st.mu.Lock()
	if st.defs == nil {
		st.defs = make(map[string]*StaticTool)
	}
	name := def.Descriptor.Name
	if _, exists := st.defs[name]; exists {
		st.mu.Unlock()
		return false
	}
	st.tools = append(st.tools, def.Descriptor)
	st.defs[name] = &def
	st.mu.Unlock()
	go func() { _ = st.notifier.Notify(context.Background()) }()
	return true
}

// Remove removes a tool by name. Returns true if removed.
func (st *ToolsContainer) Remove(_ context.Context, name string) bool {
	st.mu.Lock()
	n := 0
	removed := false
	for _, t := range st.tools {
		if t.Name == name {
			removed = true
			continue
		}
		st.tools[n] = t
		n++
	}
	if removed {
		st.tools = st.tools[:n]
		delete(st.defs, name)
	}
	st.mu.Unlock()
	if removed {
		go func() { _ = st.notifier.Notify(context.Background()) }()
	}
	return removed
}

// Subscriber implements ChangeSubscriber.
func (st *ToolsContainer) Subscriber() <-chan struct{} {
	return st.notifier.Subscriber()
}

// --- ToolsCapability implementation ---

// ListTools implements ToolsCapability with offset pagination over the
// current snapshot.
func (st *ToolsContainer) ListTools(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Tool], error) {
	st.mu.RLock()
	all := make([]mcp.Tool, len(st.tools))
	copy(all, st.tools)
	pageSize := st.pageSize
	st.mu.RUnlock()

	return pageSlice(all, cursor, pageSize)
}

// CallTool implements ToolsCapability. Registry misses and argument schema
// violations return typed errors; requirement misses (auth, secrets) fail
// before the handler runs; handler failures and panics are captured into an
// isError result so the JSON-RPC response itself still succeeds.
func (st *ToolsContainer) CallTool(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (res *mcp.CallToolResult, err error) {
	if req == nil || req.Name == "" {
		return nil, fmt.Errorf("%w: missing tool name", ErrInvalidArguments)
	}
	st.mu.RLock()
	def := st.defs[req.Name]
	st.mu.RUnlock()
	if def == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, req.Name)
	}

	if err := validateArguments(def.Descriptor.InputSchema, req.Arguments); err != nil {
		return nil, err
	}

	tc, ok := toolctx.From(ctx)
	if !ok {
		tc = toolctx.New(toolctx.Config{Session: session})
	}
	tc = tc.WithSecretScope(def.RequiresSecrets)
	ctx = toolctx.WithContext(ctx, tc)

	if def.RequiresAuth && tc.AuthToken() == "" {
		return nil, fmt.Errorf("%w: %s", ErrAuthTokenMissing, req.Name)
	}
	for _, name := range def.RequiresSecrets {
		if _, serr := tc.Secret(ctx, name); serr != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrSecretUnavailable, name, serr)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			res = Errorf("tool %s panicked: %v", req.Name, r)
			err = nil
		}
	}()

	out, err := def.Handler(ctx, tc, req)
	if err != nil {
		// Context cancellation propagates so the engine can apply its
		// suppress-response rule; anything else is tool-level data.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if errors.Is(err, ErrInvalidArguments) {
			return nil, err
		}
		return Errorf("%v", err), nil
	}
	if out == nil {
		out = &mcp.CallToolResult{}
	}
	return out, nil
}

// GetListChangedCapability always returns support for listChanged in static mode.
func (st *ToolsContainer) GetListChangedCapability(ctx context.Context, session sessions.Session) (ToolListChangedCapability, bool, error) {
	return toolsListChangedFromSubscriber{sub: st}, true, nil
}

// TextResult is a small helper to build a text CallToolResult.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextBlock(s)}}
}

// Errorf returns an error CallToolResult with a single text block and IsError=true.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	msg := fmt.Sprintf(format, a...)
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextBlock(msg)}, IsError: true}
}
