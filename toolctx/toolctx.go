// Package toolctx provides the per-call context a tool uses at runtime: a
// leveled log facet that feeds notifications/message, scoped progress
// tracking, secret and metadata resolution, the caller's bearer token, and
// the client-facing request surface (sampling, roots, elicitation,
// completion).
//
// The engine constructs one Context per tools/call invocation and threads it
// through the standard context.Context; tool handlers recover it with From.
package toolctx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Spartee/arcade-ai/internal/jsonrpc"
	"github.com/Spartee/arcade-ai/mcp"
	"github.com/Spartee/arcade-ai/notify"
	"github.com/Spartee/arcade-ai/secrets"
	"github.com/Spartee/arcade-ai/sessions"
)

var (
	// ErrCapabilityUnavailable indicates the client did not advertise the
	// capability required for the requested operation.
	ErrCapabilityUnavailable = errors.New("client capability not available")
	// ErrSecretNotDeclared indicates the tool asked for a secret it did not
	// declare in its descriptor.
	ErrSecretNotDeclared = errors.New("secret not declared by tool")
	// ErrAuthRequired indicates the tool requires authorization but the call
	// carries no bearer token.
	ErrAuthRequired = errors.New("authorization required")
	// ErrClientError wraps a JSON-RPC error returned by the client for a
	// server-initiated request.
	ErrClientError = errors.New("client returned an error")
)

// Caller issues server-to-client requests and awaits the reply. The outbound
// dispatcher satisfies it.
type Caller interface {
	Call(ctx context.Context, method string, params any, timeout time.Duration) (*jsonrpc.Response, error)
}

// CompleteFunc serves completion/complete requests issued from tool code.
// The server wires its completions capability here; the method is
// deliberately not routed to the client.
type CompleteFunc func(ctx context.Context, req *mcp.CompleteRequest) (*mcp.CompleteResult, error)

// ElicitAction indicates the client's chosen action for an elicitation.
type ElicitAction string

const (
	ElicitActionAccept  ElicitAction = "accept"
	ElicitActionDecline ElicitAction = "decline"
	ElicitActionCancel  ElicitAction = "cancel"
)

// Config assembles a Context. All fields except Session are optional; absent
// collaborators degrade the matching facet to a typed error or no-op.
type Config struct {
	Session       sessions.Session
	RequestID     string
	ProgressToken mcp.ProgressToken
	Notifier      *notify.Manager
	Caller        Caller
	Complete      CompleteFunc
	Secrets       secrets.Store
	// AllowedSecrets is the declared requires_secrets set for the tool.
	AllowedSecrets []string
	Metadata       map[string]string
	AuthToken      string
	LoggerName     string
	CallTimeout    time.Duration
}

// Context is the per-call object handed to tool implementations.
type Context struct {
	sess          sessions.Session
	requestID     string
	progressToken mcp.ProgressToken
	notifier      *notify.Manager
	caller        Caller
	complete      CompleteFunc
	secrets       secrets.Store
	allowed       map[string]struct{}
	metadata      map[string]string
	authToken     string
	loggerName    string
	callTimeout   time.Duration
}

// New builds a Context from the config.
func New(cfg Config) *Context {
	allowed := make(map[string]struct{}, len(cfg.AllowedSecrets))
	for _, name := range cfg.AllowedSecrets {
		allowed[name] = struct{}{}
	}
	return &Context{
		sess:          cfg.Session,
		requestID:     cfg.RequestID,
		progressToken: cfg.ProgressToken,
		notifier:      cfg.Notifier,
		caller:        cfg.Caller,
		complete:      cfg.Complete,
		secrets:       cfg.Secrets,
		allowed:       allowed,
		metadata:      cfg.Metadata,
		authToken:     cfg.AuthToken,
		loggerName:    cfg.LoggerName,
		callTimeout:   cfg.CallTimeout,
	}
}

type ctxKey struct{}

// WithContext attaches the tool context to a context.Context.
func WithContext(ctx context.Context, tc *Context) context.Context {
	if tc == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, tc)
}

// From recovers the tool context installed by the engine, if any.
func From(ctx context.Context) (*Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(*Context)
	return tc, ok && tc != nil
}

// WithSecretScope returns a copy of the context whose secret facet is
// restricted to the given declared names. The registry applies the tool
// descriptor's requires_secrets set through this before invoking a handler.
func (tc *Context) WithSecretScope(names []string) *Context {
	cp := *tc
	cp.allowed = make(map[string]struct{}, len(names))
	for _, name := range names {
		cp.allowed[name] = struct{}{}
	}
	return &cp
}

// Session returns the originating session.
func (tc *Context) Session() sessions.Session { return tc.sess }

// RequestID returns the JSON-RPC id of the originating tools/call request.
func (tc *Context) RequestID() string { return tc.requestID }

// AuthToken returns the bearer token the client presented, or empty.
func (tc *Context) AuthToken() string { return tc.authToken }

// --- Secrets & metadata facet ---

// Secret resolves a named secret. The tool must have declared the name in its
// descriptor's requires_secrets set.
func (tc *Context) Secret(ctx context.Context, name string) (string, error) {
	if _, ok := tc.allowed[name]; !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotDeclared, name)
	}
	if tc.secrets == nil {
		return "", fmt.Errorf("%w: no secret store configured", secrets.ErrNotFound)
	}
	return tc.secrets.Get(ctx, name)
}

// Metadata returns a request-scoped metadata value by key.
func (tc *Context) Metadata(key string) (string, bool) {
	v, ok := tc.metadata[key]
	return v, ok
}
