// Package engine is the protocol-agnostic core of the server: it owns the
// session registry, enforces lifecycle rules, routes decoded JSON-RPC
// messages through the middleware chain to typed handlers, and builds tool
// execution contexts. Transports (stdio, streaming HTTP) feed it messages
// and carry its responses back to the client.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Spartee/arcade-ai/config"
	"github.com/Spartee/arcade-ai/internal/jsonrpc"
	"github.com/Spartee/arcade-ai/internal/logctx"
	"github.com/Spartee/arcade-ai/mcp"
	"github.com/Spartee/arcade-ai/mcpservice"
	"github.com/Spartee/arcade-ai/notify"
	"github.com/Spartee/arcade-ai/secrets"
	"github.com/Spartee/arcade-ai/sessions"
	"github.com/google/uuid"
)

// Engine coordinates sessions, message routing and protocol handling.
type Engine struct {
	srv      mcpservice.ServerCapabilities
	notifier *notify.Manager
	secrets  secrets.Store
	metadata map[string]string
	cfg      config.Config
	log      *slog.Logger

	handler HandlerFunc // middleware-wrapped dispatch

	sessMu   sync.RWMutex
	sessions map[string]*SessionHandle

	cancelMu sync.Mutex
	cancels  map[string]context.CancelCauseFunc // request id -> cancel

	subMu      sync.Mutex
	subCancels map[string]map[string]mcpservice.CancelSubscription // session id -> uri -> cancel

	// wiring state for per-session listChanged emitters
	wireMu      sync.Mutex
	wired       map[string]bool               // session id -> registered
	wireCancels map[string]context.CancelFunc // session id -> emitter teardown
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a custom logger for the Engine.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithConfig overrides the default configuration.
func WithConfig(cfg config.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithSecrets wires the secret resolver handed to tool contexts.
func WithSecrets(store secrets.Store) Option {
	return func(e *Engine) { e.secrets = store }
}

// WithMetadata supplies static metadata exposed through tool contexts.
func WithMetadata(md map[string]string) Option {
	return func(e *Engine) { e.metadata = md }
}

// NewEngine builds an Engine around the provided server capabilities and
// notification manager.
func NewEngine(srv mcpservice.ServerCapabilities, notifier *notify.Manager, opts ...Option) *Engine {
	e := &Engine{
		srv:         srv,
		notifier:    notifier,
		cfg:         config.Default(),
		log:         slog.Default(),
		sessions:    make(map[string]*SessionHandle),
		cancels:     make(map[string]context.CancelCauseFunc),
		subCancels:  make(map[string]map[string]mcpservice.CancelSubscription),
		wired:       make(map[string]bool),
		wireCancels: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	e.handler = chain(e.dispatch,
		loggingMiddleware(e.log),
		errorMiddleware(e.log, e.cfg.MaskErrorDetails),
	)
	return e
}

// Notifier exposes the notification manager so transports can register sinks.
func (e *Engine) Notifier() *notify.Manager { return e.notifier }

// Config returns the engine's effective configuration.
func (e *Engine) Config() config.Config { return e.cfg }

// --- session registry ---

// CreateSession mints a new pending session and registers it.
func (e *Engine) CreateSession(ctx context.Context) *SessionHandle {
	sess := NewSessionHandle(uuid.NewString(), mcp.LoggingLevel(e.cfg.MinLogLevel))
	e.sessMu.Lock()
	e.sessions[sess.SessionID()] = sess
	e.sessMu.Unlock()

	e.log.InfoContext(ctx, "engine.create_session.ok", slog.String("session_id", sess.SessionID()))
	return sess
}

// Session resolves a live session by id.
func (e *Engine) Session(id string) (*SessionHandle, bool) {
	e.sessMu.RLock()
	sess, ok := e.sessions[id]
	e.sessMu.RUnlock()
	return sess, ok
}

// CloseSession terminates a session: pending server-initiated request
// futures fail with "session closed", resource subscriptions are released,
// and the session leaves the fan-out set.
func (e *Engine) CloseSession(ctx context.Context, id string) {
	e.sessMu.Lock()
	sess, ok := e.sessions[id]
	if ok {
		delete(e.sessions, id)
	}
	e.sessMu.Unlock()
	if !ok {
		return
	}

	if !sess.close() {
		return
	}
	if d := sess.Outbound(); d != nil {
		d.Close(sessions.ErrSessionClosed)
	}
	e.cancelAllSubscriptionsForSession(id)
	e.unwireListChangedEmitters(id)
	if e.notifier != nil {
		e.notifier.Unregister(id)
	}

	e.log.InfoContext(ctx, "engine.close_session.ok", slog.String("session_id", id))
}

// --- inbound messages ---

// HandleRequest routes a decoded JSON-RPC request through the middleware
// chain. A (nil, nil) return means the response was deliberately suppressed
// (cancelled request whose tool consumed the signal).
func (e *Engine) HandleRequest(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.SessionID(),
		ProtocolVersion: sess.ProtocolVersion(),
		State:           sess.State(),
	})
	return e.handler(ctx, sess, req)
}

// dispatch applies lifecycle gating and the static route table.
func (e *Engine) dispatch(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	switch req.Method {
	case string(mcp.PingMethod):
		// Served in every state, including before initialize.
		return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
	case string(mcp.InitializeMethod):
		return e.handleInitialize(ctx, sess, req)
	}

	if state := sess.State(); state != sessions.SessionStateReady {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeNotInitialized, "not initialized", nil), nil
	}

	switch req.Method {
	case string(mcp.ToolsListMethod):
		return e.handleToolsList(ctx, sess, req)
	case string(mcp.ToolsCallMethod):
		return e.handleToolCall(ctx, sess, req)
	case string(mcp.ResourcesListMethod):
		return e.handleResourcesList(ctx, sess, req)
	case string(mcp.ResourcesTemplatesListMethod):
		return e.handleResourcesTemplatesList(ctx, sess, req)
	case string(mcp.ResourcesReadMethod):
		return e.handleResourcesRead(ctx, sess, req)
	case string(mcp.ResourcesSubscribeMethod):
		return e.handleResourcesSubscribe(ctx, sess, req)
	case string(mcp.ResourcesUnsubscribeMethod):
		return e.handleResourcesUnsubscribe(ctx, sess, req)
	case string(mcp.PromptsListMethod):
		return e.handlePromptsList(ctx, sess, req)
	case string(mcp.PromptsGetMethod):
		return e.handlePromptsGet(ctx, sess, req)
	case string(mcp.LoggingSetLevelMethod):
		return e.handleSetLoggingLevel(ctx, sess, req)
	case string(mcp.CompletionCompleteMethod):
		return e.handleCompletionsComplete(ctx, sess, req)
	}

	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil), nil
}

// HandleNotification processes an incoming JSON-RPC notification. Unknown
// notifications are dropped after logging.
func (e *Engine) HandleNotification(ctx context.Context, sess *SessionHandle, note *jsonrpc.Request) {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: note.Method, Type: "notification"})

	switch note.Method {
	case string(mcp.InitializedNotificationMethod):
		if sess.confirmInitialized() {
			e.log.InfoContext(ctx, "engine.session.initialized", slog.String("session_id", sess.SessionID()))
			e.wireListChangedEmitters(ctx, sess)
		} else {
			e.log.WarnContext(ctx, "engine.session.initialized.bad_state", slog.String("state", string(sess.State())))
		}
	case string(mcp.CancelledNotificationMethod):
		var params mcp.CancelledNotification
		if err := json.Unmarshal(note.Params, &params); err != nil {
			e.log.WarnContext(ctx, "engine.notification.cancelled.invalid", slog.String("err", err.Error()))
			return
		}
		rid := string(params.RequestID)
		if rid == "" {
			return
		}
		sess.markCancelled(rid, params.Reason)
		had := e.cancelInFlightRequest(rid, params.Reason)
		e.log.InfoContext(ctx, "engine.notification.cancelled", slog.String("request_id", rid), slog.Bool("had_cancel", had))
	default:
		e.log.InfoContext(ctx, "engine.notification.unknown.drop", slog.String("method", note.Method))
	}
}

// HandleClientResponse routes a JSON-RPC response from the client to the
// session's outbound dispatcher.
func (e *Engine) HandleClientResponse(ctx context.Context, sess *SessionHandle, res *jsonrpc.Response) error {
	if res == nil || res.ID == nil || res.ID.IsNil() {
		return fmt.Errorf("invalid response: missing id")
	}
	d := sess.Outbound()
	if d == nil {
		return fmt.Errorf("session has no outbound channel")
	}
	d.OnResponse(res)
	return nil
}

// --- initialize ---

func (e *Engine) handleInitialize(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	negotiated, ok := negotiateVersion(params.ProtocolVersion)
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "unsupported protocol version",
			map[string]any{"supported": mcp.SupportedProtocolVersions}), nil
	}

	capSet := sessions.CapabilitySet{}
	if params.Capabilities.Sampling != nil {
		capSet.Sampling = true
	}
	if params.Capabilities.Roots != nil {
		capSet.Roots = true
		capSet.RootsListChanged = params.Capabilities.Roots.ListChanged
	}
	if params.Capabilities.Elicitation != nil {
		capSet.Elicitation = true
	}

	client := sessions.ClientInfo{Name: params.ClientInfo.Name, Version: params.ClientInfo.Version}
	if !sess.beginInitialize(negotiated, client, capSet) {
		// A repeat initialize while the handshake is in flight (or after it
		// completed) is an invalid request.
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "initialize already performed", nil), nil
	}

	initRes, err := e.buildInitializeResult(ctx, sess, negotiated)
	if err != nil {
		return nil, err
	}
	return jsonrpc.NewResultResponse(req.ID, initRes)
}

// negotiateVersion picks the highest mutually supported protocol version.
func negotiateVersion(clientVersion string) (string, bool) {
	for _, v := range mcp.SupportedProtocolVersions {
		if v == clientVersion {
			return v, true
		}
	}
	return "", false
}

func (e *Engine) buildInitializeResult(ctx context.Context, sess *SessionHandle, negotiated string) (*mcp.InitializeResult, error) {
	serverInfo, err := e.srv.GetServerInfo(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("get server info: %w", err)
	}

	initRes := &mcp.InitializeResult{
		ProtocolVersion: negotiated,
		Capabilities:    mcp.ServerCapabilities{},
		ServerInfo:      serverInfo,
	}

	if instr, ok, err := e.srv.GetInstructions(ctx, sess); err != nil {
		return nil, fmt.Errorf("get instructions: %w", err)
	} else if ok {
		initRes.Instructions = instr
	}

	if resCap, ok, err := e.srv.GetResourcesCapability(ctx, sess); err != nil {
		return nil, fmt.Errorf("get resources capability: %w", err)
	} else if ok && resCap != nil {
		entry := &struct {
			ListChanged bool `json:"listChanged"`
			Subscribe   bool `json:"subscribe"`
		}{}
		if subCap, hasSub, subErr := resCap.GetSubscriptionCapability(ctx, sess); subErr != nil {
			return nil, fmt.Errorf("get resources subscription capability: %w", subErr)
		} else if hasSub && subCap != nil {
			entry.Subscribe = true
		}
		if lcCap, hasLC, lcErr := resCap.GetListChangedCapability(ctx, sess); lcErr != nil {
			return nil, fmt.Errorf("get resources listChanged capability: %w", lcErr)
		} else if hasLC && lcCap != nil {
			entry.ListChanged = true
		}
		initRes.Capabilities.Resources = entry
	}

	if toolsCap, ok, err := e.srv.GetToolsCapability(ctx, sess); err != nil {
		return nil, fmt.Errorf("get tools capability: %w", err)
	} else if ok && toolsCap != nil {
		entry := &struct {
			ListChanged bool `json:"listChanged"`
		}{}
		if lcCap, hasLC, lcErr := toolsCap.GetListChangedCapability(ctx, sess); lcErr != nil {
			return nil, fmt.Errorf("get tools listChanged capability: %w", lcErr)
		} else if hasLC && lcCap != nil {
			entry.ListChanged = true
		}
		initRes.Capabilities.Tools = entry
	}

	if promptsCap, ok, err := e.srv.GetPromptsCapability(ctx, sess); err != nil {
		return nil, fmt.Errorf("get prompts capability: %w", err)
	} else if ok && promptsCap != nil {
		entry := &struct {
			ListChanged bool `json:"listChanged"`
		}{}
		if lcCap, hasLC, lcErr := promptsCap.GetListChangedCapability(ctx, sess); lcErr != nil {
			return nil, fmt.Errorf("get prompts listChanged capability: %w", lcErr)
		} else if hasLC && lcCap != nil {
			entry.ListChanged = true
		}
		initRes.Capabilities.Prompts = entry
	}

	if _, ok, err := e.srv.GetLoggingCapability(ctx, sess); err != nil {
		return nil, fmt.Errorf("get logging capability: %w", err)
	} else if ok {
		initRes.Capabilities.Logging = &struct{}{}
	}

	if _, ok, err := e.srv.GetCompletionsCapability(ctx, sess); err != nil {
		return nil, fmt.Errorf("get completions capability: %w", err)
	} else if ok {
		initRes.Capabilities.Completions = &struct{}{}
	}

	return initRes, nil
}

// --- cancellation ---

func (e *Engine) registerCancel(reqID string, cancel context.CancelCauseFunc) bool {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	if _, exists := e.cancels[reqID]; exists {
		return false
	}
	e.cancels[reqID] = cancel
	return true
}

func (e *Engine) unregisterCancel(reqID string) {
	e.cancelMu.Lock()
	delete(e.cancels, reqID)
	e.cancelMu.Unlock()
}

func (e *Engine) cancelInFlightRequest(reqID string, reason string) bool {
	e.cancelMu.Lock()
	cancel, exists := e.cancels[reqID]
	e.cancelMu.Unlock()

	if exists && cancel != nil {
		if reason == "" {
			reason = "cancelled"
		}
		cancel(errors.New(reason))
		return true
	}
	return false
}

// wireListChangedEmitters registers callbacks with any supported listChanged
// capabilities so that container changes fan out as notifications/*/list_changed
// on the session stream. It is idempotent per session.
func (e *Engine) wireListChangedEmitters(ctx context.Context, sess *SessionHandle) {
	sid := sess.SessionID()

	e.wireMu.Lock()
	if e.wired[sid] {
		e.wireMu.Unlock()
		return
	}
	e.wired[sid] = true
	// Emitters outlive the triggering request but end with the session.
	emCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.wireCancels[sid] = cancel
	e.wireMu.Unlock()

	publish := func(method mcp.Method, params any, key string) {
		e.notifier.Publish(emCtx, notify.Notification{
			Method:    method,
			Params:    params,
			Key:       key,
			Debounce:  e.cfg.DefaultDebounce(),
			SessionID: sid,
		})
	}

	if toolsCap, ok, err := e.srv.GetToolsCapability(emCtx, sess); err == nil && ok && toolsCap != nil {
		if lc, hasLC, lErr := toolsCap.GetListChangedCapability(emCtx, sess); lErr == nil && hasLC && lc != nil {
			_, _ = lc.Register(emCtx, sess, func(cbCtx context.Context, s sessions.Session) {
				publish(mcp.ToolsListChangedNotificationMethod, mcp.ToolListChangedNotification{}, "tools/list_changed")
			})
		}
	}

	if promptsCap, ok, err := e.srv.GetPromptsCapability(emCtx, sess); err == nil && ok && promptsCap != nil {
		if lc, hasLC, lErr := promptsCap.GetListChangedCapability(emCtx, sess); lErr == nil && hasLC && lc != nil {
			_, _ = lc.Register(emCtx, sess, func(cbCtx context.Context, s sessions.Session) {
				publish(mcp.PromptsListChangedNotificationMethod, mcp.PromptListChangedNotification{}, "prompts/list_changed")
			})
		}
	}

	if resCap, ok, err := e.srv.GetResourcesCapability(emCtx, sess); err == nil && ok && resCap != nil {
		if lc, hasLC, lErr := resCap.GetListChangedCapability(emCtx, sess); lErr == nil && hasLC && lc != nil {
			_, _ = lc.Register(emCtx, sess, func(cbCtx context.Context, s sessions.Session, uri string) {
				publish(mcp.ResourcesListChangedNotificationMethod, mcp.ResourceListChangedNotification{}, "resources/list_changed")
			})
		}
	}
}

// unwireListChangedEmitters tears down the per-session emitter registrations.
func (e *Engine) unwireListChangedEmitters(sessID string) {
	e.wireMu.Lock()
	if cancel, ok := e.wireCancels[sessID]; ok {
		cancel()
		delete(e.wireCancels, sessID)
	}
	delete(e.wired, sessID)
	e.wireMu.Unlock()
}

func (e *Engine) cancelAllSubscriptionsForSession(sessID string) {
	e.subMu.Lock()
	if m := e.subCancels[sessID]; len(m) > 0 {
		for uri, cancel := range m {
			if cancel != nil {
				_ = cancel(context.Background())
			}
			delete(m, uri)
		}
		delete(e.subCancels, sessID)
	}
	e.subMu.Unlock()
}
