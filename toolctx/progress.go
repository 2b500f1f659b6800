package toolctx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Spartee/arcade-ai/mcp"
	"github.com/Spartee/arcade-ai/notify"
)

// ProgressOption configures a progress scope.
type ProgressOption func(*ProgressScope)

// WithTotal declares the expected final progress value. Scopes with a total
// emit a terminal progress == total update when closed below the total.
func WithTotal(total float64) ProgressOption {
	return func(p *ProgressScope) { p.total = total }
}

// WithMessage sets the initial human-readable progress message.
func WithMessage(msg string) ProgressOption {
	return func(p *ProgressScope) { p.message = msg }
}

// WithCoalescing enables debounced delivery keyed on the progress token, for
// tools that update faster than clients care to render. Within the window
// only the latest update is delivered.
func WithCoalescing(window time.Duration) ProgressOption {
	return func(p *ProgressScope) { p.debounce = window }
}

// Progress opens a scoped progress tracker bound to the request's progress
// token. When the client supplied no token the returned scope is a no-op, so
// tool code can report unconditionally.
func (tc *Context) Progress(opts ...ProgressOption) *ProgressScope {
	p := &ProgressScope{tc: tc, active: tc.progressToken != nil && tc.notifier != nil && tc.sess != nil}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProgressScope tracks progress for one operation. Update monotonicity is the
// tool's responsibility; the scope forwards values as given.
type ProgressScope struct {
	tc       *Context
	active   bool
	total    float64
	message  string
	debounce time.Duration

	mu      sync.Mutex
	current float64
	closed  bool
}

// Update reports an absolute progress value with an optional message.
func (p *ProgressScope) Update(ctx context.Context, current float64, message string) {
	if !p.active {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.current = current
	if message != "" {
		p.message = message
	}
	msg := p.message
	p.mu.Unlock()

	p.emit(ctx, current, msg)
}

// Increment advances progress by one.
func (p *ProgressScope) Increment(ctx context.Context) {
	if !p.active {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.current++
	current := p.current
	msg := p.message
	p.mu.Unlock()

	p.emit(ctx, current, msg)
}

// Close releases the scope. If a total was declared and the last reported
// value fell short, a terminal progress == total update is emitted so clients
// can finish their indicators even when the tool failed midway.
func (p *ProgressScope) Close(ctx context.Context) {
	if !p.active {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	needFinal := p.total > 0 && p.current < p.total
	msg := p.message
	p.mu.Unlock()

	if needFinal {
		p.emit(ctx, p.total, msg)
	}
}

func (p *ProgressScope) emit(ctx context.Context, current float64, message string) {
	params := mcp.ProgressNotificationParams{
		ProgressToken: p.tc.progressToken,
		Progress:      current,
		Message:       message,
	}
	if p.total > 0 {
		params.Total = p.total
	}
	n := notify.Notification{
		Method:    mcp.ProgressNotificationMethod,
		Params:    params,
		SessionID: p.tc.sess.SessionID(),
	}
	if p.debounce > 0 {
		n.Key = fmt.Sprintf("progress:%v", p.tc.progressToken)
		n.Debounce = p.debounce
	}
	p.tc.notifier.Publish(ctx, n)
}
