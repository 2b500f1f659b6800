// Package mcpservice defines the capability interfaces an MCP server
// implementation exposes to the engine, plus static container types for the
// common case of a fixed tool/prompt/resource set.
//
// The engine discovers capabilities at runtime on a per-session basis and
// translates method calls on these interfaces into MCP JSON-RPC messages.
// Implementations may be static (same capabilities for all sessions) or
// dynamic (vary by session) but MUST be safe for concurrent use and respect
// the provided context for cancellation and deadlines.
//
// Conventions used throughout this package:
//   - Capability discovery methods return (cap, ok, err). A false ok indicates
//     that the capability is not supported for the given session; err should be
//     reserved for transient or internal failures while determining support.
//   - The sessions.Session value is the unit of isolation. Implementations
//     SHOULD treat it as the boundary for authorization, tenancy and resource
//     visibility.
//   - Pagination uses the Page[T] type in this package; a nil cursor requests
//     the first page. Implementations SHOULD populate NextCursor when more data
//     is available and MUST reject cursors they did not mint with
//     ErrInvalidCursor.
package mcpservice

import (
	"context"
	"errors"

	"github.com/Spartee/arcade-ai/mcp"
	"github.com/Spartee/arcade-ai/sessions"
)

var (
	// ErrToolNotFound indicates the named tool is not in the registry.
	ErrToolNotFound = errors.New("tool not found")
	// ErrInvalidArguments indicates tool arguments failed schema validation.
	ErrInvalidArguments = errors.New("invalid tool arguments")
	// ErrPromptNotFound indicates the named prompt is not registered.
	ErrPromptNotFound = errors.New("prompt not found")
	// ErrResourceNotFound indicates the URI resolves to no known resource.
	ErrResourceNotFound = errors.New("resource not found")
	// ErrInvalidLoggingLevel indicates the provided level is not one of the
	// protocol-defined LoggingLevel values.
	ErrInvalidLoggingLevel = errors.New("invalid logging level")
)

type ServerCapabilities interface {
	// GetServerInfo returns implementation information surfaced in initialize
	// results (name, version, etc.). MAY be called multiple times and SHOULD
	// be inexpensive.
	GetServerInfo(ctx context.Context, session sessions.Session) (mcp.ImplementationInfo, error)

	// GetInstructions returns optional human-readable instructions surfaced
	// to the client during initialization. If ok is false, no instructions
	// are included in the initialize result.
	GetInstructions(ctx context.Context, session sessions.Session) (instructions string, ok bool, err error)

	// GetResourcesCapability returns the resources capability for the session.
	// If ok is false, resources support is not advertised.
	GetResourcesCapability(ctx context.Context, session sessions.Session) (cap ResourcesCapability, ok bool, err error)

	// GetToolsCapability returns the tools capability for the session. If ok
	// is false, tool support is not advertised.
	GetToolsCapability(ctx context.Context, session sessions.Session) (cap ToolsCapability, ok bool, err error)

	// GetPromptsCapability returns the prompts capability for the session. If
	// ok is false, prompt support is not advertised.
	GetPromptsCapability(ctx context.Context, session sessions.Session) (cap PromptsCapability, ok bool, err error)

	// GetLoggingCapability returns the logging capability for the session. If
	// ok is false, logging/setLevel is not advertised.
	GetLoggingCapability(ctx context.Context, session sessions.Session) (cap LoggingCapability, ok bool, err error)

	// GetCompletionsCapability returns the completions capability for the
	// session. If ok is false, completion/complete is not advertised.
	GetCompletionsCapability(ctx context.Context, session sessions.Session) (cap CompletionsCapability, ok bool, err error)
}

// ResourcesCapability defines the resource operations supported by the server.
// All methods MUST be safe for concurrent use.
type ResourcesCapability interface {
	// ListResources returns a (possibly paginated) list of resources available
	// to the session.
	ListResources(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Resource], error)

	// ListResourceTemplates returns a (possibly paginated) list of resource templates.
	ListResourceTemplates(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.ResourceTemplate], error)

	// ReadResource returns the contents for a specific resource URI. Unknown
	// URIs fail with ErrResourceNotFound.
	ReadResource(ctx context.Context, session sessions.Session, uri string) ([]mcp.ResourceContents, error)

	// GetSubscriptionCapability returns an optional capability for per-session
	// resource subscriptions. The return value decides whether "subscribe" is
	// advertised.
	GetSubscriptionCapability(ctx context.Context, session sessions.Session) (cap ResourceSubscriptionCapability, ok bool, err error)

	// GetListChangedCapability returns an optional capability that lets the
	// engine register for list-change callbacks. The return value decides
	// whether "listChanged" is advertised.
	GetListChangedCapability(ctx context.Context, session sessions.Session) (cap ResourceListChangedCapability, ok bool, err error)
}

// CancelSubscription cancels an active subscription. It MUST be idempotent
// and safe to call multiple times; cancellation is best-effort.
type CancelSubscription func(ctx context.Context) error

// NotifyResourceUpdatedFunc is invoked with the URI of a changed resource.
type NotifyResourceUpdatedFunc func(ctx context.Context, uri string)

// ResourceSubscriptionCapability enables opt-in support for resource
// subscriptions. Subscribe MUST be idempotent per (session, uri) and returns
// a cancel func the engine invokes on unsubscribe or session close.
type ResourceSubscriptionCapability interface {
	Subscribe(ctx context.Context, session sessions.Session, uri string, emit NotifyResourceUpdatedFunc) (CancelSubscription, error)
}

// NotifyResourceChangeFunc signals that the resource set changed for the
// session. An empty uri indicates a general list change.
type NotifyResourceChangeFunc func(ctx context.Context, session sessions.Session, uri string)

// ResourceListChangedCapability provides list-changed notification support.
// Register should be idempotent for the same (session, fn) pair and respect
// ctx cancellation to stop delivering callbacks.
type ResourceListChangedCapability interface {
	Register(ctx context.Context, session sessions.Session, fn NotifyResourceChangeFunc) (ok bool, err error)
}

// ToolsCapability defines the server's tools surface area.
type ToolsCapability interface {
	// ListTools returns a (possibly paginated) list of tools available to the session.
	ListTools(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Tool], error)

	// CallTool invokes a named tool with the provided request payload.
	// Registry misses fail with ErrToolNotFound and schema violations with
	// ErrInvalidArguments; runtime failures inside the tool are captured into
	// the result's isError flag instead of an error return.
	CallTool(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

	// GetListChangedCapability returns an optional capability for tool list
	// change callbacks.
	GetListChangedCapability(ctx context.Context, session sessions.Session) (cap ToolListChangedCapability, ok bool, err error)
}

// NotifyToolsListChangedFunc is invoked when the tool list changes.
type NotifyToolsListChangedFunc func(ctx context.Context, session sessions.Session)

// ToolListChangedCapability provides tools list-changed notification support.
type ToolListChangedCapability interface {
	Register(ctx context.Context, session sessions.Session, fn NotifyToolsListChangedFunc) (ok bool, err error)
}

// PromptsCapability defines the server's prompts surface area.
type PromptsCapability interface {
	// ListPrompts returns a (possibly paginated) list of prompts available to the session.
	ListPrompts(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Prompt], error)

	// GetPrompt returns the prompt definition/messages for the given name and
	// arguments. Unknown names fail with ErrPromptNotFound.
	GetPrompt(ctx context.Context, session sessions.Session, req *mcp.GetPromptRequestReceived) (*mcp.GetPromptResult, error)

	// GetListChangedCapability returns an optional capability for prompt list
	// change callbacks.
	GetListChangedCapability(ctx context.Context, session sessions.Session) (cap PromptListChangedCapability, ok bool, err error)
}

// NotifyPromptsListChangedFunc is invoked when the prompt list changes.
type NotifyPromptsListChangedFunc func(ctx context.Context, session sessions.Session)

// PromptListChangedCapability provides prompts list-changed notification support.
type PromptListChangedCapability interface {
	Register(ctx context.Context, session sessions.Session, fn NotifyPromptsListChangedFunc) (ok bool, err error)
}

// LoggingCapability allows the client to adjust the session's logging floor.
// Implementations should be thread-safe and return quickly.
type LoggingCapability interface {
	// SetLevel updates the logging floor. Invalid levels fail with
	// ErrInvalidLoggingLevel.
	SetLevel(ctx context.Context, session sessions.Session, level mcp.LoggingLevel) error
}

// CompletionsCapability enables argument autocompletion suggestions for
// prompts and resource template arguments.
type CompletionsCapability interface {
	// Complete returns completion suggestions for the provided request.
	Complete(ctx context.Context, session sessions.Session, req *mcp.CompleteRequest) (*mcp.CompleteResult, error)
}

// CompletionsFunc adapts a function to CompletionsCapability.
type CompletionsFunc func(ctx context.Context, session sessions.Session, req *mcp.CompleteRequest) (*mcp.CompleteResult, error)

func (f CompletionsFunc) Complete(ctx context.Context, session sessions.Session, req *mcp.CompleteRequest) (*mcp.CompleteResult, error) {
	return f(ctx, session, req)
}
