package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Spartee/arcade-ai/auth"
	"github.com/Spartee/arcade-ai/config"
	"github.com/Spartee/arcade-ai/eventstore"
	"github.com/Spartee/arcade-ai/internal/engine"
	"github.com/Spartee/arcade-ai/internal/jsonrpc"
	"github.com/Spartee/arcade-ai/internal/logctx"
	"github.com/Spartee/arcade-ai/internal/outbound"
	"github.com/Spartee/arcade-ai/mcp"
	"github.com/Spartee/arcade-ai/mcpservice"
	"github.com/Spartee/arcade-ai/notify"
	"github.com/Spartee/arcade-ai/secrets"
	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Canonical header names; Go matches headers case-insensitively.
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	authorizationHeader      = "Authorization"
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a
// JSON-RPC exchange is possible. This is transport-level, not JSON-RPC.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the slog logger used by the handler.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithConfig overrides the runtime configuration.
func WithConfig(cfg config.Config) Option {
	return func(h *Handler) { h.cfg = cfg }
}

// WithAuthenticator enables bearer-token authentication on every endpoint.
// Without it the transport accepts unauthenticated clients and still passes
// any presented token through to tools.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(h *Handler) { h.auth = a }
}

// WithEventStore replaces the default in-memory event store backing SSE
// resumability.
func WithEventStore(store eventstore.Store) Option {
	return func(h *Handler) { h.store = store }
}

// WithSecrets wires the secret resolver exposed to tools.
func WithSecrets(store secrets.Store) Option {
	return func(h *Handler) { h.secrets = store }
}

// Handler serves the /mcp endpoint pair.
type Handler struct {
	mux      *http.ServeMux
	log      *slog.Logger
	cfg      config.Config
	auth     auth.Authenticator
	store    eventstore.Store
	secrets  secrets.Store
	notifier *notify.Manager
	eng      *engine.Engine

	streamMu sync.Mutex
	streams  map[string]*sessionStream // session id -> stream state
}

// sessionStream tracks the SSE stream backing one session.
type sessionStream struct {
	mu       sync.Mutex
	streamID string
	wake     chan struct{}
}

func (st *sessionStream) id() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.streamID
}

func (st *sessionStream) signal() {
	select {
	case st.wake <- struct{}{}:
	default:
	}
}

// New constructs a Handler serving the given endpoint path (conventionally
// "/mcp") backed by the provided server capabilities.
func New(ctx context.Context, endpoint string, srv mcpservice.ServerCapabilities, opts ...Option) (*Handler, error) {
	if srv == nil {
		return nil, fmt.Errorf("server capabilities are required")
	}
	if endpoint == "" || !strings.HasPrefix(endpoint, "/") {
		return nil, fmt.Errorf("endpoint must be an absolute path, got %q", endpoint)
	}

	h := &Handler{
		log:     slog.Default(),
		cfg:     config.Default(),
		streams: make(map[string]*sessionStream),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})
	if h.store == nil {
		h.store = eventstore.NewMemoryStore(h.cfg.EventStoreCapacity)
	}

	h.notifier = notify.NewManager(
		notify.WithLogger(h.log),
		notify.WithRateLimitPerMinute(h.cfg.RateLimitPerMinute),
		notify.WithDefaultDebounce(h.cfg.DefaultDebounce()),
		notify.WithMaxQueued(h.cfg.MaxQueuedNotifications),
		notify.WithCloseHandler(func(sessionID string) {
			h.eng.CloseSession(context.WithoutCancel(ctx), sessionID)
			h.dropStream(context.WithoutCancel(ctx), sessionID)
		}),
	)
	h.eng = engine.NewEngine(srv, h.notifier,
		engine.WithLogger(h.log),
		engine.WithConfig(h.cfg),
		engine.WithSecrets(h.secrets),
	)

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", endpoint), h.handlePostMCP)
	mux.HandleFunc(fmt.Sprintf("GET %s", endpoint), h.handleGetMCP)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", endpoint), h.handleDeleteMCP)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// Engine exposes the underlying engine, mainly for tests.
func (h *Handler) Engine() *engine.Engine { return h.eng }

// --- auth ---

// checkAuthentication enforces bearer auth when configured. It returns the
// raw token (possibly empty) and reports whether the request may proceed.
func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) (string, bool) {
	header := r.Header.Get(authorizationHeader)
	tok := ""
	const bearerPrefix = "Bearer "
	if strings.HasPrefix(header, bearerPrefix) {
		tok = strings.TrimSpace(header[len(bearerPrefix):])
	}

	if h.auth == nil {
		return tok, true
	}
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Set("WWW-Authenticate", "Bearer")
		w.WriteHeader(http.StatusUnauthorized)
		return "", false
	}
	if _, err := h.auth.CheckAuthentication(ctx, tok); err != nil {
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		if errors.Is(err, auth.ErrInsufficientScope) {
			w.WriteHeader(http.StatusForbidden)
		} else {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			w.WriteHeader(http.StatusUnauthorized)
		}
		return "", false
	}
	return tok, true
}

// checkProtocolVersion validates the mcp-protocol-version header when present.
func (h *Handler) checkProtocolVersion(ctx context.Context, r *http.Request, w http.ResponseWriter, sess *engine.SessionHandle) bool {
	pv := r.Header.Get(mcpProtocolVersionHeader)
	if pv == "" {
		return true
	}
	expected := mcp.LatestProtocolVersion
	if sess != nil && sess.ProtocolVersion() != "" {
		expected = sess.ProtocolVersion()
	}
	if pv != expected {
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
		writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
		return false
	}
	return true
}

// --- streams ---

// ensureStream creates the event-store stream and sink for a new session.
func (h *Handler) ensureStream(ctx context.Context, sess *engine.SessionHandle) (*sessionStream, error) {
	streamID, err := h.store.CreateStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}
	st := &sessionStream{streamID: streamID, wake: make(chan struct{}, 1)}

	h.streamMu.Lock()
	h.streams[sess.SessionID()] = st
	h.streamMu.Unlock()

	h.notifier.Register(sess, notify.SinkFunc(func(sctx context.Context, msg jsonrpc.Message) error {
		if _, err := h.store.Append(sctx, st.id(), msg); err != nil {
			return err
		}
		st.signal()
		return nil
	}))

	disp := outbound.New(&sseOutboundTransport{h: h, st: st}, outbound.WithTimeout(h.cfg.RequestTimeout()))
	sess.BindOutbound(disp)
	return st, nil
}

func (h *Handler) stream(sessionID string) (*sessionStream, bool) {
	h.streamMu.Lock()
	st, ok := h.streams[sessionID]
	h.streamMu.Unlock()
	return st, ok
}

func (h *Handler) dropStream(ctx context.Context, sessionID string) {
	h.streamMu.Lock()
	st, ok := h.streams[sessionID]
	if ok {
		delete(h.streams, sessionID)
	}
	h.streamMu.Unlock()
	if ok {
		_ = h.store.DeleteStream(ctx, st.id())
	}
}

// sseOutboundTransport emits server-initiated requests onto the session's
// SSE stream through the event store.
type sseOutboundTransport struct {
	h  *Handler
	st *sessionStream
}

func (t *sseOutboundTransport) SendRequest(ctx context.Context, id *jsonrpc.RequestID, req *jsonrpc.Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if _, err := t.h.store.Append(ctx, t.st.id(), b); err != nil {
		return err
	}
	t.st.signal()
	return nil
}

func (t *sseOutboundTransport) SendCancelled(ctx context.Context, requestID string) error {
	note, err := jsonrpc.NewNotification("notifications/cancelled", map[string]any{"requestId": requestID})
	if err != nil {
		return err
	}
	b, err := json.Marshal(note)
	if err != nil {
		return err
	}
	if _, err := t.h.store.Append(ctx, t.st.id(), b); err != nil {
		return err
	}
	t.st.signal()
	return nil
}

// --- POST ---

func (h *Handler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	tok, ok := h.checkAuthentication(ctx, r, w)
	if !ok {
		return
	}
	ctx = engine.WithBearerToken(ctx, tok)

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are forbidden on this transport")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Type()})

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.handleSessionInitialize(ctx, w, r, &msg, start)
		return
	}

	sess, ok := h.eng.Session(sessID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}

	if req := msg.AsRequest(); req != nil && req.Method == string(mcp.InitializeMethod) {
		writeJSONError(w, http.StatusConflict, "session already initialized")
		h.log.WarnContext(ctx, "session.initialize.redundant")
		return
	}
	if !h.checkProtocolVersion(ctx, r, w, sess) {
		return
	}

	if req := msg.AsRequest(); req != nil {
		if req.ID.IsNil() {
			h.eng.HandleNotification(ctx, sess, req)
			h.setSessionHeaders(w, sess)
			w.WriteHeader(http.StatusAccepted)
			h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
			return
		}

		res, err := h.eng.HandleRequest(ctx, sess, req)
		if err != nil {
			h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
			res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
		}
		h.setSessionHeaders(w, sess)
		if res == nil {
			// Response suppressed: the client cancelled and the tool consumed it.
			w.WriteHeader(http.StatusAccepted)
			h.log.InfoContext(ctx, "rpc.inbound.suppressed", slog.Duration("dur", time.Since(start)))
			return
		}
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(res); err != nil {
			h.log.ErrorContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
		}
		h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	if res := msg.AsResponse(); res != nil {
		if err := h.eng.HandleClientResponse(ctx, sess, res); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to route response")
			h.log.ErrorContext(ctx, "response.forward.fail", slog.String("err", err.Error()))
			return
		}
		h.setSessionHeaders(w, sess)
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "response.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	writeJSONError(w, http.StatusBadRequest, "unrecognized JSON-RPC message")
}

// handleSessionInitialize serves the first POST of a connection: it must be
// an initialize request, and it mints the session.
func (h *Handler) handleSessionInitialize(ctx context.Context, w http.ResponseWriter, r *http.Request, msg *jsonrpc.AnyMessage, start time.Time) {
	req := msg.AsRequest()
	if req == nil || req.Method != string(mcp.InitializeMethod) || req.ID.IsNil() {
		writeJSONError(w, http.StatusNotFound, "expected initialize request")
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return
	}
	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" && pv != mcp.LatestProtocolVersion {
		writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
		return
	}

	sess := h.eng.CreateSession(ctx)
	if _, err := h.ensureStream(ctx, sess); err != nil {
		h.eng.CloseSession(ctx, sess.SessionID())
		writeJSONError(w, http.StatusInternalServerError, "failed to initialize session")
		h.log.ErrorContext(ctx, "session.stream.fail", slog.String("err", err.Error()))
		return
	}

	res, err := h.eng.HandleRequest(ctx, sess, req)
	if err != nil || res == nil {
		h.eng.CloseSession(ctx, sess.SessionID())
		h.dropStream(ctx, sess.SessionID())
		writeJSONError(w, http.StatusInternalServerError, "failed to initialize session")
		if err != nil {
			h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		}
		return
	}
	if res.Error != nil {
		// Negotiation failed; the session never leaves pending.
		h.eng.CloseSession(ctx, sess.SessionID())
		h.dropStream(ctx, sess.SessionID())
	}

	h.setSessionHeaders(w, sess)
	w.Header().Set(mcpSessionIDHeader, sess.SessionID())
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) setSessionHeaders(w http.ResponseWriter, sess *engine.SessionHandle) {
	w.Header().Set(mcpSessionIDHeader, sess.SessionID())
	if pv := sess.ProtocolVersion(); pv != "" {
		w.Header().Set(mcpProtocolVersionHeader, pv)
	}
}

// --- GET (SSE) ---

func (h *Handler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	if _, ok := h.checkAuthentication(ctx, r, w); !ok {
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing mcp-session-id header")
		return
	}
	sess, ok := h.eng.Session(sessID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	st, ok := h.stream(sessID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "session has no stream")
		return
	}
	if !h.checkProtocolVersion(ctx, r, w, sess) {
		return
	}

	var lastSeq uint64
	if lastID := r.Header.Get(lastEventIDHeader); lastID != "" {
		seq, err := eventstore.ParseEventID(lastID)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
			return
		}
		lastSeq = seq
	}

	h.setSessionHeaders(w, sess)
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()

	h.log.InfoContext(ctx, "sse.stream.start", slog.Uint64("last_seq", lastSeq))

	keepAlive := time.NewTicker(h.cfg.KeepAlive())
	defer keepAlive.Stop()

	flush := func() bool {
		events, err := h.store.After(ctx, st.id(), lastSeq)
		if errors.Is(err, eventstore.ErrReplayTruncated) {
			// Retention aged out the resume point: signal the client and
			// restart delivery on a fresh stream.
			if _, werr := io.WriteString(w, ": replay-unavailable\n\n"); werr != nil {
				return false
			}
			f.Flush()
			newID, cerr := h.store.CreateStream(ctx)
			if cerr != nil {
				h.log.ErrorContext(ctx, "sse.stream.recreate.fail", slog.String("err", cerr.Error()))
				return false
			}
			st.mu.Lock()
			st.streamID = newID
			st.mu.Unlock()
			lastSeq = 0
			return true
		}
		if err != nil {
			h.log.ErrorContext(ctx, "sse.replay.fail", slog.String("err", err.Error()))
			return false
		}
		for _, ev := range events {
			if err := writeSSEEvent(w, ev.ID(), ev.Payload); err != nil {
				h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return false
			}
			lastSeq = ev.Seq
		}
		if len(events) > 0 {
			f.Flush()
		}
		return true
	}

	if !flush() {
		h.eng.CloseSession(context.WithoutCancel(ctx), sessID)
		return
	}

	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "sse.stream.end")
			return
		case <-st.wake:
			if !flush() {
				h.eng.CloseSession(context.WithoutCancel(ctx), sessID)
				return
			}
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				h.eng.CloseSession(context.WithoutCancel(ctx), sessID)
				return
			}
			f.Flush()
		}
	}
}

// --- DELETE ---

func (h *Handler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, ok := h.checkAuthentication(ctx, r, w); !ok {
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing mcp-session-id header")
		return
	}
	sess, ok := h.eng.Session(sessID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if !h.checkProtocolVersion(ctx, r, w, sess) {
		return
	}

	h.eng.CloseSession(ctx, sessID)
	h.dropStream(ctx, sessID)
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "session.delete.ok")
}

// writeSSEEvent frames one event on the stream.
func writeSSEEvent(w io.Writer, id string, payload []byte) error {
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return fmt.Errorf("write SSE event id: %w", err)
		}
	}
	if _, err := io.WriteString(w, "data: "); err != nil {
		return fmt.Errorf("write SSE data prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write SSE payload: %w", err)
	}
	if _, err := io.WriteString(w, "\n\n"); err != nil {
		return fmt.Errorf("write SSE frame terminator: %w", err)
	}
	return nil
}
