// Package notify implements the process-wide notification manager. All
// outbound one-way messages funnel through a Manager, which applies per-key
// debouncing, per-session token-bucket rate limiting, and multi-session
// fan-out before handing serialized JSON-RPC notifications to each session's
// write sink.
//
// Delivery discipline: rate-limited drops are silent toward the client
// (counted and logged server-side); a sink write failure closes the session
// and discards its remaining queued notifications without propagating an
// error to the emitter.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/Spartee/arcade-ai/internal/jsonrpc"
	"github.com/Spartee/arcade-ai/mcp"
	"github.com/Spartee/arcade-ai/sessions"
	"golang.org/x/time/rate"
)

// Sink is the per-session outbound channel. Implementations serialize their
// own writes; the manager additionally guarantees it never calls WriteMessage
// concurrently for the same session.
type Sink interface {
	WriteMessage(ctx context.Context, msg jsonrpc.Message) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, msg jsonrpc.Message) error

func (f SinkFunc) WriteMessage(ctx context.Context, msg jsonrpc.Message) error {
	return f(ctx, msg)
}

// Notification is the internal envelope accepted by Publish.
type Notification struct {
	Method mcp.Method
	Params any
	// Key groups notifications for debouncing (e.g. "resources/updated:<uri>").
	// Empty means send immediately.
	Key string
	// Debounce overrides the manager default window when positive.
	Debounce time.Duration
	// SessionID targets a single session. Empty fans out to every ready
	// session that admits the method.
	SessionID string
}

const (
	defaultRatePerMinute = 60
	defaultDebounce      = 100 * time.Millisecond
	defaultMaxQueued     = 1000
	rateWarnInterval     = time.Minute
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithRateLimitPerMinute overrides the per-session notification budget.
func WithRateLimitPerMinute(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.ratePerMinute = n
		}
	}
}

// WithDefaultDebounce overrides the default coalescing window.
func WithDefaultDebounce(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.defaultDebounce = d
		}
	}
}

// WithMaxQueued overrides the per-session pending-notification bound.
func WithMaxQueued(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxQueued = n
		}
	}
}

// WithCloseHandler registers a callback invoked (once per session) after a
// sink write failure forces the manager to give up on a session.
func WithCloseHandler(fn func(sessionID string)) Option {
	return func(m *Manager) { m.onClose = fn }
}

// Manager owns the registry of active sessions and their write sinks.
type Manager struct {
	log             *slog.Logger
	ratePerMinute   int
	defaultDebounce time.Duration
	maxQueued       int
	onClose         func(sessionID string)

	mu      sync.Mutex
	clients map[string]*client
	closed  bool
}

// client is the per-session slice of manager state. Its lock is fine-grained:
// operations on one session never contend with another's.
type client struct {
	sess sessions.Session
	sink Sink

	mu       sync.Mutex
	limiter  *rate.Limiter
	pending  map[string]*pendingNote
	dropped  int64
	lastWarn time.Time
	closed   bool

	writeMu sync.Mutex
}

type pendingNote struct {
	timer   *time.Timer
	payload jsonrpc.Message
}

// NewManager constructs a Manager with the given options.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		log:             slog.Default(),
		ratePerMinute:   defaultRatePerMinute,
		defaultDebounce: defaultDebounce,
		maxQueued:       defaultMaxQueued,
		clients:         make(map[string]*client),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Register adds a session and its write sink to the fan-out set. Re-registering
// a session id replaces its sink and resets its debounce state.
func (m *Manager) Register(sess sessions.Session, sink Sink) {
	c := &client{
		sess:    sess,
		sink:    sink,
		limiter: rate.NewLimiter(rate.Limit(float64(m.ratePerMinute))/60.0, m.ratePerMinute),
		pending: make(map[string]*pendingNote),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if prev, ok := m.clients[sess.SessionID()]; ok {
		m.mu.Unlock()
		prev.discardPending()
		m.mu.Lock()
	}
	m.clients[sess.SessionID()] = c
	m.mu.Unlock()
}

// Unregister removes a session, discarding any queued notifications.
func (m *Manager) Unregister(sessionID string) {
	m.mu.Lock()
	c, ok := m.clients[sessionID]
	if ok {
		delete(m.clients, sessionID)
	}
	m.mu.Unlock()
	if ok {
		c.discardPending()
	}
}

// Dropped reports how many notifications have been dropped for the session
// (rate limiting plus backlog overflow).
func (m *Manager) Dropped(sessionID string) int64 {
	m.mu.Lock()
	c, ok := m.clients[sessionID]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Publish accepts a notification for delivery. It never returns a
// client-visible error: infrastructure failures are logged and counted.
func (m *Manager) Publish(ctx context.Context, n Notification) {
	payload, err := encodeNotification(n.Method, n.Params)
	if err != nil {
		m.log.ErrorContext(ctx, "notify.encode.fail", slog.String("method", string(n.Method)), slog.String("err", err.Error()))
		return
	}

	for _, c := range m.targets(n) {
		if n.Key == "" {
			m.deliver(ctx, c, payload)
			continue
		}
		m.debounce(ctx, c, n, payload)
	}
}

// targets resolves the set of clients a notification should reach.
func (m *Manager) targets(n Notification) []*client {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n.SessionID != "" {
		if c, ok := m.clients[n.SessionID]; ok && c.sess.State() == sessions.SessionStateReady {
			return []*client{c}
		}
		return nil
	}

	// Progress must always be targeted at its originating session; an
	// untargeted progress notification would leak across sessions.
	if n.Method == mcp.ProgressNotificationMethod {
		return nil
	}

	out := make([]*client, 0, len(m.clients))
	for _, c := range m.clients {
		if c.sess.State() == sessions.SessionStateReady {
			out = append(out, c)
		}
	}
	return out
}

func (m *Manager) debounce(ctx context.Context, c *client, n Notification, payload jsonrpc.Message) {
	window := n.Debounce
	if window <= 0 {
		window = m.defaultDebounce
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if pn, ok := c.pending[n.Key]; ok {
		// Coalesce: last write wins and the window restarts.
		pn.timer.Stop()
		pn.payload = payload
		pn.timer.Reset(window)
		c.mu.Unlock()
		return
	}
	if len(c.pending) >= m.maxQueued {
		c.dropped++
		c.mu.Unlock()
		m.log.WarnContext(ctx, "notify.backlog.full", slog.String("session_id", c.sess.SessionID()), slog.String("key", n.Key))
		return
	}
	pn := &pendingNote{payload: payload}
	key := n.Key
	pn.timer = time.AfterFunc(window, func() {
		c.mu.Lock()
		cur, ok := c.pending[key]
		if !ok || cur != pn || c.closed {
			c.mu.Unlock()
			return
		}
		delete(c.pending, key)
		latest := cur.payload
		c.mu.Unlock()
		m.deliver(context.Background(), c, latest)
	})
	c.pending[key] = pn
	c.mu.Unlock()
}

// deliver performs the rate-limit check and writes the payload to the sink.
func (m *Manager) deliver(ctx context.Context, c *client, payload jsonrpc.Message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if !c.limiter.Allow() {
		c.dropped++
		warn := time.Since(c.lastWarn) >= rateWarnInterval
		if warn {
			c.lastWarn = time.Now()
		}
		dropped := c.dropped
		c.mu.Unlock()

		m.log.WarnContext(ctx, "notify.rate_limit.drop", slog.String("session_id", c.sess.SessionID()), slog.Int64("dropped", dropped))
		if warn {
			m.writeRateWarning(ctx, c)
		}
		return
	}
	c.mu.Unlock()

	m.write(ctx, c, payload)
}

// writeRateWarning emits a single logging/message warning per window. It
// bypasses the limiter so the warning itself cannot be starved out.
func (m *Manager) writeRateWarning(ctx context.Context, c *client) {
	payload, err := encodeNotification(mcp.LoggingMessageNotificationMethod, mcp.LoggingMessageNotification{
		Level:  mcp.LoggingLevelWarning,
		Logger: "notifications",
		Data:   "notification rate limit exceeded; messages are being dropped",
	})
	if err != nil {
		return
	}
	m.write(ctx, c, payload)
}

func (m *Manager) write(ctx context.Context, c *client, payload jsonrpc.Message) {
	c.writeMu.Lock()
	err := c.sink.WriteMessage(ctx, payload)
	c.writeMu.Unlock()
	if err == nil {
		return
	}

	m.log.InfoContext(ctx, "notify.sink.write_fail", slog.String("session_id", c.sess.SessionID()), slog.String("err", err.Error()))

	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if already {
		return
	}
	c.discardPending()

	m.mu.Lock()
	delete(m.clients, c.sess.SessionID())
	m.mu.Unlock()

	if m.onClose != nil {
		m.onClose(c.sess.SessionID())
	}
}

// Shutdown flushes pending debounced notifications best-effort, then stops
// accepting work.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	clients := make([]*client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = make(map[string]*client)
	m.mu.Unlock()

	for _, c := range clients {
		for _, payload := range c.takePending() {
			m.deliver(ctx, c, payload)
		}
	}
}

// Close drops all pending notifications and stops accepting work.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	clients := make([]*client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = make(map[string]*client)
	m.mu.Unlock()

	for _, c := range clients {
		c.discardPending()
	}
}

// discardPending stops all timers and forgets queued payloads.
func (c *client) discardPending() {
	c.mu.Lock()
	for key, pn := range c.pending {
		pn.timer.Stop()
		delete(c.pending, key)
	}
	c.mu.Unlock()
}

// takePending stops timers and returns queued payloads for a final flush.
func (c *client) takePending() []jsonrpc.Message {
	c.mu.Lock()
	out := make([]jsonrpc.Message, 0, len(c.pending))
	for key, pn := range c.pending {
		pn.timer.Stop()
		out = append(out, pn.payload)
		delete(c.pending, key)
	}
	c.mu.Unlock()
	return out
}

func encodeNotification(method mcp.Method, params any) (jsonrpc.Message, error) {
	note, err := jsonrpc.NewNotification(string(method), params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(note)
}
