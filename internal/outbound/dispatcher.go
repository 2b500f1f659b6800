// Package outbound coordinates server-initiated JSON-RPC requests with
// correlation, per-call timeouts, cancellation and response routing. It is
// transport-agnostic: transports supply a Transport that can emit a request
// and a cancellation notification.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Spartee/arcade-ai/internal/jsonrpc"
	"github.com/Spartee/arcade-ai/mcp"
)

// Transport abstracts how requests/notifications are sent to the client.
type Transport interface {
	// SendRequest sends the request with the pre-allocated id. Implementations
	// may subscribe to a response channel before actually emitting the request
	// to guarantee no response is missed.
	SendRequest(ctx context.Context, id *jsonrpc.RequestID, req *jsonrpc.Request) error
	// SendCancelled emits a notifications/cancelled for the given id string.
	SendCancelled(ctx context.Context, requestID string) error
}

var (
	// ErrDispatcherClosed indicates the dispatcher is closed.
	ErrDispatcherClosed = errors.New("dispatcher closed")
	// ErrRemoteCancelled indicates the peer cancelled the request.
	ErrRemoteCancelled = errors.New("remote cancelled")
	// ErrTimeout indicates the per-call timeout expired before a reply arrived.
	ErrTimeout = errors.New("timeout expired")
	// ErrMethodNotAllowed indicates the method is not a permitted
	// server-to-client request.
	ErrMethodNotAllowed = errors.New("method not allowed for server-initiated requests")
)

// DefaultTimeout bounds a server-to-client request when no per-call override
// is supplied.
const DefaultTimeout = 60 * time.Second

// allowedMethods is the closed set of server-to-client request methods.
// completion/complete is deliberately absent: it is served client-to-server.
var allowedMethods = map[string]struct{}{
	string(mcp.SamplingCreateMessageMethod): {},
	string(mcp.RootsListMethod):             {},
	string(mcp.ElicitationCreateMethod):     {},
}

// tombstoneTTL controls how long a timed-out id is remembered so a late reply
// is ignored rather than mis-routed.
const tombstoneTTL = 5 * time.Minute

type pendingCall struct {
	respCh chan *jsonrpc.Response
	errCh  chan error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout overrides the default per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.timeout = d
		}
	}
}

// Dispatcher is the per-session table of in-flight server-initiated requests.
type Dispatcher struct {
	t       Transport
	timeout time.Duration

	mu         sync.Mutex
	pending    map[string]*pendingCall // id.String() -> call
	tombstones map[string]time.Time    // id.String() -> expiry

	nextID uint64

	closed   atomic.Bool
	closeErr error
}

// New constructs a Dispatcher using the provided transport.
func New(t Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		t:          t,
		timeout:    DefaultTimeout,
		pending:    make(map[string]*pendingCall),
		tombstones: make(map[string]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Call sends a JSON-RPC request and waits for a response, the per-call
// timeout, or context cancellation. A zero timeout uses the dispatcher default.
func (d *Dispatcher) Call(ctx context.Context, method string, params any, timeout time.Duration) (*jsonrpc.Response, error) {
	if _, ok := allowedMethods[method]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotAllowed, method)
	}
	if d.closed.Load() {
		if d.closeErr != nil {
			return nil, d.closeErr
		}
		return nil, ErrDispatcherClosed
	}
	if timeout <= 0 {
		timeout = d.timeout
	}

	// Allocate ID
	idNum := atomic.AddUint64(&d.nextID, 1)
	id := jsonrpc.NewRequestID(fmt.Sprintf("s2c-%d", idNum))
	key := id.String()

	// Marshal params
	var paramsRaw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		paramsRaw = b
	}

	// Register pending
	pc := &pendingCall{respCh: make(chan *jsonrpc.Response, 1), errCh: make(chan error, 1)}
	d.mu.Lock()
	if d.closed.Load() {
		d.mu.Unlock()
		if d.closeErr != nil {
			return nil, d.closeErr
		}
		return nil, ErrDispatcherClosed
	}
	d.pending[key] = pc
	d.expireTombstonesLocked()
	d.mu.Unlock()

	// Send request via transport. Transport may subscribe before emit.
	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method, Params: paramsRaw, ID: id}
	if err := d.t.SendRequest(ctx, id, req); err != nil {
		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// Await response, timeout, or cancellation
	select {
	case resp := <-pc.respCh:
		return resp, nil
	case err := <-pc.errCh:
		if err != nil {
			return nil, err
		}
		return nil, ErrDispatcherClosed
	case <-timer.C:
		d.mu.Lock()
		delete(d.pending, key)
		d.tombstones[key] = time.Now().Add(tombstoneTTL)
		d.mu.Unlock()
		_ = d.t.SendCancelled(context.WithoutCancel(ctx), key)
		return nil, ErrTimeout
	case <-ctx.Done():
		// Best-effort cancel message to client via transport
		_ = d.t.SendCancelled(context.WithoutCancel(ctx), key)
		d.mu.Lock()
		delete(d.pending, key)
		d.tombstones[key] = time.Now().Add(tombstoneTTL)
		d.mu.Unlock()
		return nil, ctx.Err()
	}
}

// OnResponse delivers an incoming response to a waiting call. Responses for
// tombstoned (timed-out) ids and unmatched responses are ignored.
func (d *Dispatcher) OnResponse(resp *jsonrpc.Response) {
	if resp == nil || resp.ID == nil {
		return
	}
	key := resp.ID.String()
	d.mu.Lock()
	if _, stale := d.tombstones[key]; stale {
		delete(d.tombstones, key)
		d.mu.Unlock()
		return
	}
	pc, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ok {
		pc.respCh <- resp
	}
}

// OnNotification processes peer notifications relevant to outbound calls.
func (d *Dispatcher) OnNotification(any jsonrpc.AnyMessage) {
	switch any.Method {
	case string(mcp.CancelledNotificationMethod):
		var p mcp.CancelledNotification
		if err := json.Unmarshal(any.Params, &p); err != nil {
			return
		}
		key := string(p.RequestID)
		d.mu.Lock()
		pc, ok := d.pending[key]
		if ok {
			delete(d.pending, key)
		}
		d.mu.Unlock()
		if ok {
			pc.errCh <- ErrRemoteCancelled
		}
	case string(mcp.ProgressNotificationMethod):
		// Currently ignored; kept for forward compatibility.
		return
	}
}

// Close cancels all pending calls with the provided error and prevents new calls.
func (d *Dispatcher) Close(err error) {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	if err == nil {
		err = ErrDispatcherClosed
	}
	d.closeErr = err
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, pc := range d.pending {
		delete(d.pending, key)
		pc.errCh <- err
	}
}

// expireTombstonesLocked prunes stale tombstones; callers hold d.mu.
func (d *Dispatcher) expireTombstonesLocked() {
	if len(d.tombstones) == 0 {
		return
	}
	now := time.Now()
	for key, exp := range d.tombstones {
		if now.After(exp) {
			delete(d.tombstones, key)
		}
	}
}
