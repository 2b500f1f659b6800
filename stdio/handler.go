package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/Spartee/arcade-ai/config"
	"github.com/Spartee/arcade-ai/internal/engine"
	"github.com/Spartee/arcade-ai/internal/jsonrpc"
	"github.com/Spartee/arcade-ai/internal/logctx"
	"github.com/Spartee/arcade-ai/internal/outbound"
	"github.com/Spartee/arcade-ai/mcpservice"
	"github.com/Spartee/arcade-ai/notify"
	"github.com/Spartee/arcade-ai/secrets"
)

// maxLineBytes bounds a single NDJSON frame.
const maxLineBytes = 8 * 1024 * 1024

// Handler is a single-connection stdio transport. It reads JSON-RPC messages
// line by line from the reader and writes responses and notifications to the
// writer, one object per line.
type Handler struct {
	srv     mcpservice.ServerCapabilities
	r       io.Reader
	w       io.Writer
	log     *slog.Logger
	cfg     config.Config
	secrets secrets.Store

	served bool
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(srv mcpservice.ServerCapabilities, opts ...Option) *Handler {
	h := &Handler{
		srv: srv,
		r:   os.Stdin,
		w:   os.Stdout,
		log: slog.New(slog.NewTextHandler(os.Stderr, nil)),
		cfg: config.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// writeMux serializes line-framed JSON-RPC writes to the output stream.
type writeMux struct {
	mu sync.Mutex
	w  io.Writer
}

func (m *writeMux) writeLine(payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.w.Write(payload); err != nil {
		return err
	}
	_, err := m.w.Write([]byte("\n"))
	return err
}

func (m *writeMux) writeJSONRPC(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return m.writeLine(b)
}

// stdioTransport implements outbound.Transport over the write mux.
type stdioTransport struct{ mux *writeMux }

func (t stdioTransport) SendRequest(ctx context.Context, id *jsonrpc.RequestID, req *jsonrpc.Request) error {
	return t.mux.writeJSONRPC(req)
}

func (t stdioTransport) SendCancelled(ctx context.Context, requestID string) error {
	note, err := jsonrpc.NewNotification("notifications/cancelled", map[string]any{"requestId": requestID})
	if err != nil {
		return err
	}
	return t.mux.writeJSONRPC(note)
}

// Serve runs the stdio event loop until EOF on the reader or context
// cancellation. It is safe to call at most once per Handler.
func (h *Handler) Serve(ctx context.Context) error {
	if h.served {
		return errors.New("stdio: Serve called twice")
	}
	h.served = true

	log := slog.New(logctx.Handler{Handler: h.log.Handler()})

	notifier := notify.NewManager(
		notify.WithLogger(log),
		notify.WithRateLimitPerMinute(h.cfg.RateLimitPerMinute),
		notify.WithDefaultDebounce(h.cfg.DefaultDebounce()),
		notify.WithMaxQueued(h.cfg.MaxQueuedNotifications),
	)
	defer notifier.Shutdown(context.WithoutCancel(ctx))

	eng := engine.NewEngine(h.srv, notifier,
		engine.WithLogger(log),
		engine.WithConfig(h.cfg),
		engine.WithSecrets(h.secrets),
	)

	mux := &writeMux{w: h.w}

	sess := eng.CreateSession(ctx)
	defer eng.CloseSession(context.WithoutCancel(ctx), sess.SessionID())

	notifier.Register(sess, notify.SinkFunc(func(_ context.Context, msg jsonrpc.Message) error {
		return mux.writeLine(msg)
	}))

	disp := outbound.New(stdioTransport{mux: mux}, outbound.WithTimeout(h.cfg.RequestTimeout()))
	sess.BindOutbound(disp)

	// Deferred in this order so that on return the reader context is
	// cancelled first, then in-flight request goroutines drain.
	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(h.r)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				// EOF closes the session; in-flight requests drain via wg.
				select {
				case err := <-scanErr:
					if err != nil {
						log.ErrorContext(ctx, "stdio.read.fail", slog.String("err", err.Error()))
						return fmt.Errorf("read stdin: %w", err)
					}
				default:
				}
				log.InfoContext(ctx, "stdio.eof")
				return nil
			}
			h.handleLine(ctx, log, eng, sess, disp, mux, &wg, line)
		}
	}
}

func (h *Handler) handleLine(ctx context.Context, log *slog.Logger, eng *engine.Engine, sess *engine.SessionHandle, disp *outbound.Dispatcher, mux *writeMux, wg *sync.WaitGroup, line []byte) {
	if len(line) == 0 {
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		log.WarnContext(ctx, "stdio.message.invalid", slog.String("err", err.Error()))
		res := jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "parse error", nil)
		if werr := mux.writeJSONRPC(res); werr != nil {
			log.ErrorContext(ctx, "stdio.write.fail", slog.String("err", werr.Error()))
		}
		return
	}

	if req := msg.AsRequest(); req != nil {
		if req.ID.IsNil() {
			// Notifications are handled inline; they never produce output.
			disp.OnNotification(msg)
			eng.HandleNotification(ctx, sess, req)
			return
		}

		// Requests run as independent tasks so a slow tool does not block the
		// reader. Responses are written in completion order; the client
		// correlates by id.
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := eng.HandleRequest(ctx, sess, req)
			if err != nil {
				log.ErrorContext(ctx, "stdio.request.fail", slog.String("err", err.Error()))
				res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
			}
			if res == nil {
				return // response deliberately suppressed
			}
			if werr := mux.writeJSONRPC(res); werr != nil {
				log.ErrorContext(ctx, "stdio.write.fail", slog.String("err", werr.Error()))
			}
		}()
		return
	}

	if res := msg.AsResponse(); res != nil {
		if err := eng.HandleClientResponse(ctx, sess, res); err != nil {
			log.WarnContext(ctx, "stdio.response.unroutable", slog.String("err", err.Error()))
		}
		return
	}

	log.WarnContext(ctx, "stdio.message.unrecognized")
}
